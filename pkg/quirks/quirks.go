// Package quirks is C8: a compile-time static table of per-vendor/model
// value transformations (clamp, invert, scale), grounded on the
// original firmware's quirks.c quirks_table and its quirks_apply_value/
// quirks_apply_command pair of forward/inverse passes.
package quirks

import "strings"

// ValueKind tags which field of Value holds the live payload.
type ValueKind int

const (
	KindBool ValueKind = iota
	KindInt
	KindFloat
)

// Value is the capability-layer's untyped scalar: exactly one of B, I,
// F is meaningful, selected by Kind. Living here (rather than in
// pkg/capability) lets quirks stay capability-agnostic — it applies
// actions by capability name, with no knowledge of the capability
// table itself.
type Value struct {
	Kind ValueKind
	B    bool
	I    int64
	F    float64
}

// ActionKind is a quirk action's transformation type.
type ActionKind int

const (
	ActionClampRange ActionKind = iota
	ActionInvertBoolean
	ActionScaleNumeric
)

// floatEpsilon guards ActionScaleNumeric's inverse against division by
// a near-zero multiplier (quirks.c's QUIRKS_FLOAT_EPSILON).
const floatEpsilon = 1e-6

// Action is one transformation step, scoped to a single capability
// name. A Quirk's Actions apply in declaration order.
type Action struct {
	Kind ActionKind
	Cap  string // capability name this action targets, e.g. "light.level"

	Min, Max int64   // ActionClampRange
	Enabled  bool    // ActionInvertBoolean
	Mul, Off float64 // ActionScaleNumeric
}

// Quirk matches a manufacturer plus an exact or prefix model string.
type Quirk struct {
	Manufacturer string
	Model        string
	PrefixMatch  bool
	Actions      []Action
}

// Table is the built-in quirks table. Entries are grounded on
// quirks.c's quirks_table: a test-device level clamp, IKEA TRADFRI's
// level-clamp quirk, Aqara's inverted contact sensor, and Tuya's
// scaled temperature reporting.
var Table = []Quirk{
	{
		Manufacturer: "DUMMY",
		Model:        "DUMMY-LIGHT-1",
		PrefixMatch:  false,
		Actions: []Action{
			{Kind: ActionClampRange, Cap: "light.level", Min: 1, Max: 100},
		},
	},
	{
		Manufacturer: "IKEA of Sweden",
		Model:        "TRADFRI bulb",
		PrefixMatch:  true,
		Actions: []Action{
			{Kind: ActionClampRange, Cap: "light.level", Min: 1, Max: 100},
		},
	},
	{
		Manufacturer: "LUMI",
		Model:        "lumi.sensor_magnet",
		PrefixMatch:  true,
		Actions: []Action{
			{Kind: ActionInvertBoolean, Cap: "sensor.contact", Enabled: true},
		},
	},
	{
		Manufacturer: "_TZE200",
		Model:        "TS0601",
		PrefixMatch:  true,
		Actions: []Action{
			{Kind: ActionScaleNumeric, Cap: "sensor.temperature", Mul: 0.1, Off: 0.0},
		},
	},
}

// Find returns the first Quirk matching manufacturer exactly and model
// either exactly or by prefix, per the quirk's own PrefixMatch flag.
// First hit in Table wins.
func Find(manufacturer, model string) *Quirk {
	if manufacturer == "" || model == "" {
		return nil
	}
	for i := range Table {
		q := &Table[i]
		if q.Manufacturer != manufacturer {
			continue
		}
		if q.PrefixMatch {
			if strings.HasPrefix(model, q.Model) {
				return q
			}
		} else if q.Model == model {
			return q
		}
	}
	return nil
}

// Apply runs the forward (report-direction) transform for cap against
// v, using whatever quirk matches manufacturer/model. A nil match or a
// quirk with no action targeting cap leaves v unchanged.
func Apply(manufacturer, model, cap string, v Value) Value {
	q := Find(manufacturer, model)
	if q == nil {
		return v
	}
	for _, a := range q.Actions {
		if a.Cap != cap {
			continue
		}
		v = applyForward(a, v)
	}
	return v
}

// ApplyInverse runs the inverse (command-direction) transform, used
// when turning a desired capability value back into the value a
// device's native report would have produced.
func ApplyInverse(manufacturer, model, cap string, v Value) Value {
	q := Find(manufacturer, model)
	if q == nil {
		return v
	}
	for _, a := range q.Actions {
		if a.Cap != cap {
			continue
		}
		v = applyInverse(a, v)
	}
	return v
}

func applyForward(a Action, v Value) Value {
	switch a.Kind {
	case ActionClampRange:
		if v.I < a.Min {
			v.I = a.Min
		} else if v.I > a.Max {
			v.I = a.Max
		}
	case ActionInvertBoolean:
		if a.Enabled {
			v.B = !v.B
		}
	case ActionScaleNumeric:
		v.F = v.F*a.Mul + a.Off
	}
	return v
}

func applyInverse(a Action, v Value) Value {
	switch a.Kind {
	case ActionClampRange:
		// Clamp applies identically on the way out: a command target
		// outside the device's known-good range gets saturated too.
		if v.I < a.Min {
			v.I = a.Min
		} else if v.I > a.Max {
			v.I = a.Max
		}
	case ActionInvertBoolean:
		if a.Enabled {
			v.B = !v.B
		}
	case ActionScaleNumeric:
		if a.Mul > floatEpsilon || a.Mul < -floatEpsilon {
			v.F = (v.F - a.Off) / a.Mul
		}
	}
	return v
}
