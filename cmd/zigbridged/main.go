package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flag"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"zigbridge/pkg/api"
	"zigbridge/pkg/bridge"
	"zigbridge/pkg/db"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	configDBPath := flag.String("config-db", "", "Path to bridge configuration database (default: OS config dir)")
	stateDBPath := flag.String("state-db", "", "Path to bridge node/registry state database (default: next to config-db)")
	serialPort := flag.String("port", "", "Zigbee coordinator serial port (\"sim\" for the built-in simulator); overrides the stored config")
	brokerURI := flag.String("broker", "", "MQTT broker URI; overrides the stored config")
	apiAddr := flag.String("api-addr", "127.0.0.1:8080", "Debug/admin HTTP surface listen address")
	flag.Parse()

	ctx := context.Background()

	configDB, err := db.Open(*configDBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open configuration database")
	}
	defer func() {
		if err := configDB.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close configuration database")
		}
	}()

	if err := configDB.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run configuration migrations")
	}
	if err := configDB.Bootstrap(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap configuration")
	}

	dbCfg, err := configDB.ActiveConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load bridge configuration")
	}
	if *serialPort != "" {
		dbCfg.SerialPort = *serialPort
	}
	if *brokerURI != "" {
		dbCfg.BrokerURI = *brokerURI
	}

	cfg := bridge.DefaultConfig()
	cfg.DBPath = stateDBPathOrDefault(*stateDBPath, configDB.Path())
	cfg.SerialPort = dbCfg.SerialPort
	cfg.MQTT.BrokerURI = dbCfg.BrokerURI
	cfg.MQTT.ClientID = dbCfg.MQTTClientID
	cfg.MQTT.Keepalive = 30 * time.Second
	cfg.MQTT.ReconnectInterval = 5 * time.Second
	cfg.Discovery.BridgeID = dbCfg.BridgeID
	cfg.PermitJoinSeconds = dbCfg.PermitJoinSeconds

	br, err := bridge.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct bridge")
	}

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info().Msg("signal received, shutting down...")
		cancel()
	}()

	if cfg.PermitJoinSeconds > 0 {
		go func() {
			time.Sleep(500 * time.Millisecond) // let Init/StartCoordinator settle first
			if err := br.Radio.SetPermitJoin(runCtx, cfg.PermitJoinSeconds); err != nil {
				log.Warn().Err(err).Msg("failed to open initial permit-join window")
			}
		}()
	}

	router := api.NewRouter(br)
	go func() {
		log.Info().Str("address", *apiAddr).Msg("starting debug API")
		if err := router.Run(*apiAddr); err != nil {
			log.Error().Err(err).Msg("debug API server stopped")
		}
	}()

	log.Info().
		Str("port", cfg.SerialPort).
		Str("broker", cfg.MQTT.BrokerURI).
		Str("state_db", cfg.DBPath).
		Msg("starting zigbridged")

	if err := br.Run(runCtx); err != nil {
		log.Fatal().Err(err).Msg("bridge run failed")
	}
}

func stateDBPathOrDefault(explicit, configDBPath string) string {
	if explicit != "" {
		return explicit
	}
	return filepath.Join(filepath.Dir(configDBPath), "zigbridge-state.db")
}
