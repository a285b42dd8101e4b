// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/viper"

	// Driver for the "sql" persistence backend.
	_ "github.com/mattn/go-sqlite3"

	"github.com/tarnhill/modbus/server"
	"github.com/tarnhill/modbus/server/persistence"
)

// config is the simulator configuration, loadable from YAML or JSON.
type config struct {
	Mode     string `mapstructure:"mode"`     // rtu, ascii, or tcp
	SlaveID  int    `mapstructure:"slave_id"` // serial modes, 1-247
	BaudRate int    `mapstructure:"baud"`
	Address  string `mapstructure:"addr"`   // tcp mode, host:port
	Device   string `mapstructure:"device"` // serial modes; empty allocates a pty

	ReplyToBroadcast bool `mapstructure:"reply_to_broadcast"`

	Identity struct {
		VendorName         string `mapstructure:"vendor_name"`
		ProductCode        string `mapstructure:"product_code"`
		MajorMinorRevision string `mapstructure:"revision"`
	} `mapstructure:"identity"`

	Persistence struct {
		Type   string `mapstructure:"type"` // memory, file, mmap, sql
		Path   string `mapstructure:"path"`
		Driver string `mapstructure:"driver"` // sql type; defaults to sqlite3
	} `mapstructure:"persistence"`

	// DataFile is a JSON file with initial data values and delay
	// configuration (address-keyed maps fit JSON better than YAML).
	DataFile string `mapstructure:"data_file"`
}

func loadConfig(path string) (*config, error) {
	v := viper.New()
	v.SetDefault("mode", "rtu")
	v.SetDefault("slave_id", 1)
	v.SetDefault("baud", 19200)
	v.SetDefault("addr", "localhost:5020")
	v.SetDefault("persistence.type", "memory")
	v.SetDefault("persistence.driver", "sqlite3")
	v.SetEnvPrefix("MODBUS_SIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

// loadDataConfig loads a DataStoreConfig from a JSON file.
func loadDataConfig(filename string) (*server.DataStoreConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}

	var config server.DataStoreConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	return &config, nil
}

func newStorage(cfg *config) (persistence.Storage, error) {
	switch cfg.Persistence.Type {
	case "", "memory":
		return persistence.NewMemoryStorage(), nil
	case "file":
		if cfg.Persistence.Path == "" {
			return nil, fmt.Errorf("file persistence requires a path")
		}
		return persistence.NewFileStorage(cfg.Persistence.Path), nil
	case "mmap":
		if cfg.Persistence.Path == "" {
			return nil, fmt.Errorf("mmap persistence requires a path")
		}
		return persistence.NewMmapStorage(cfg.Persistence.Path), nil
	case "sql":
		if cfg.Persistence.Path == "" {
			return nil, fmt.Errorf("sql persistence requires a path (DSN)")
		}
		return persistence.NewSQLStorage(cfg.Persistence.Driver, cfg.Persistence.Path), nil
	default:
		return nil, fmt.Errorf("unknown persistence type %q", cfg.Persistence.Type)
	}
}

func main() {
	configFile := flag.String("config", "", "YAML or JSON config file")
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if cfg.SlaveID < 1 || cfg.SlaveID > 247 {
		log.Fatalf("invalid slave ID %d: must be between 1 and 247", cfg.SlaveID)
	}

	var dataConfig *server.DataStoreConfig
	if cfg.DataFile != "" {
		dataConfig, err = loadDataConfig(cfg.DataFile)
		if err != nil {
			log.Fatalf("failed to load data file: %v", err)
		}
		log.Printf("loaded initial data from %s", cfg.DataFile)
	}

	storage, err := newStorage(cfg)
	if err != nil {
		log.Fatalf("failed to set up persistence: %v", err)
	}
	defer storage.Close()

	ds, err := server.NewDataStoreWithStorage(dataConfig, storage)
	if err != nil {
		log.Fatalf("failed to create data store: %v", err)
	}

	var identity *server.Identity
	if cfg.Identity.VendorName != "" || cfg.Identity.ProductCode != "" {
		identity = &server.Identity{
			VendorName:         cfg.Identity.VendorName,
			ProductCode:        cfg.Identity.ProductCode,
			MajorMinorRevision: cfg.Identity.MajorMinorRevision,
		}
	}

	// Create and start server based on mode
	var srv interface {
		Start() error
		Stop() error
	}
	var connectionInfo string

	switch cfg.Mode {
	case "rtu":
		rtuServer, err := server.NewRTUServer(ds, &server.RTUServerConfig{
			SlaveID:          byte(cfg.SlaveID),
			BaudRate:         cfg.BaudRate,
			Device:           cfg.Device,
			ReplyToBroadcast: cfg.ReplyToBroadcast,
			Identity:         identity,
		})
		if err != nil {
			log.Fatalf("failed to create RTU server: %v", err)
		}
		srv = rtuServer
		if path := rtuServer.ClientDevicePath(); path != "" {
			connectionInfo = fmt.Sprintf("Client device path: %s", path)
		} else {
			connectionInfo = fmt.Sprintf("Serial device: %s", cfg.Device)
		}

	case "ascii":
		asciiServer, err := server.NewASCIIServer(ds, &server.ASCIIServerConfig{
			SlaveID:          byte(cfg.SlaveID),
			BaudRate:         cfg.BaudRate,
			Device:           cfg.Device,
			ReplyToBroadcast: cfg.ReplyToBroadcast,
			Identity:         identity,
		})
		if err != nil {
			log.Fatalf("failed to create ASCII server: %v", err)
		}
		srv = asciiServer
		if path := asciiServer.ClientDevicePath(); path != "" {
			connectionInfo = fmt.Sprintf("Client device path: %s", path)
		} else {
			connectionInfo = fmt.Sprintf("Serial device: %s", cfg.Device)
		}

	case "tcp":
		tcpServer, err := server.NewTCPServer(ds, &server.TCPServerConfig{
			Address:  cfg.Address,
			SlaveID:  byte(cfg.SlaveID),
			Identity: identity,
		})
		if err != nil {
			log.Fatalf("failed to create TCP server: %v", err)
		}
		srv = tcpServer
		connectionInfo = fmt.Sprintf("TCP address: %s", tcpServer.Address())

	default:
		log.Fatalf("invalid mode %q: must be rtu, ascii, or tcp", cfg.Mode)
	}

	// Start the server
	if err := srv.Start(); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}

	// Print connection info
	fmt.Printf("Modbus %s simulator running\n", cfg.Mode)
	fmt.Printf("%s\n", connectionInfo)
	if cfg.Mode == "rtu" || cfg.Mode == "ascii" {
		fmt.Printf("Slave ID: %d\n", cfg.SlaveID)
		fmt.Printf("Baud rate: %d\n", cfg.BaudRate)
	}
	fmt.Println("Press Ctrl+C to stop")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	if err := srv.Stop(); err != nil {
		log.Printf("error stopping server: %v", err)
	}
	if err := storage.Save(); err != nil {
		log.Printf("error saving data store: %v", err)
	}
}
