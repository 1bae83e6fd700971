/******************************************************************************
 *
 *  Description :
 *
 *  Node setup & initialization: config, identity, log store, engine.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	_ "expvar"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	jcr "github.com/tinode/jsonco"

	"github.com/cellmesh/cell/server/cell"
	"github.com/cellmesh/cell/server/identity"
	"github.com/cellmesh/cell/server/logs"
	"github.com/cellmesh/cell/server/logstore"
	_ "github.com/cellmesh/cell/server/logstore/mem"
)

type configType struct {
	// HTTP address serving expvar for the monitoring exporter.
	Listen string `json:"listen"`
	// Path to the identity keyfile. Generated if absent.
	Keyfile string `json:"keyfile"`
	// Cell name used when the keyfile has to be generated.
	CellName string `json:"cell_name"`
	// Log store selection and adapter settings.
	StoreConfig json.RawMessage `json:"store_config"`
	// Engine tunables, seconds-based knobs converted below.
	CellConfig cellConfigSection `json:"cell_config"`
}

type cellConfigSection struct {
	CoreExpirationSeconds int    `json:"core_expiration_seconds"`
	OfflineSweepSeconds   int    `json:"offline_sweep_seconds"`
	RegistrySweepSeconds  int    `json:"registry_sweep_seconds"`
	MaxDeliveryRetries    int    `json:"max_delivery_retries"`
	SendTimeoutSeconds    int    `json:"send_timeout_seconds"`
	WorkerID              uint   `json:"worker_id"`
	UidKey                []byte `json:"uid_key"`
	NumWorkers            int    `json:"num_workers"`
}

func (s *cellConfigSection) toConfig() cell.Config {
	return cell.Config{
		CoreExpiration:        time.Duration(s.CoreExpirationSeconds) * time.Second,
		OfflineSweepInterval:  time.Duration(s.OfflineSweepSeconds) * time.Second,
		RegistrySweepInterval: time.Duration(s.RegistrySweepSeconds) * time.Second,
		MaxDeliveryRetries:    s.MaxDeliveryRetries,
		SendTimeout:           time.Duration(s.SendTimeoutSeconds) * time.Second,
		WorkerID:              s.WorkerID,
		UidKey:                s.UidKey,
		NumWorkers:            s.NumWorkers,
	}
}

func main() {
	conffile := flag.String("config", "./cell.conf", "Path to config file.")
	listenOverride := flag.String("listen", "", "Override the expvar listen address.")
	flag.Parse()

	logs.Init()

	var config configType
	if file, err := os.Open(*conffile); err != nil {
		logs.Error.Fatalln("Failed to read config file:", err)
	} else {
		jr := jcr.New(file)
		if err = json.NewDecoder(jr).Decode(&config); err != nil {
			switch jerr := err.(type) {
			case *json.UnmarshalTypeError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				logs.Error.Fatalf("Unmarshal error in config file in %s at %d:%d (offset %d bytes): %s",
					jerr.Field, lnum, cnum, jerr.Offset, jerr.Error())
			case *json.SyntaxError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				logs.Error.Fatalf("Syntax error in config file at %d:%d (offset %d bytes): %s",
					lnum, cnum, jerr.Offset, jerr.Error())
			default:
				logs.Error.Fatalln("Failed to parse config file:", err)
			}
		}
		file.Close()
	}
	if *listenOverride != "" {
		config.Listen = *listenOverride
	}

	store, err := logstore.Open(config.StoreConfig)
	if err != nil {
		logs.Error.Fatalln("Failed to open log store:", err)
	}
	defer store.Close()
	logs.Info.Println("Log store adapter:", store.GetName())

	keyring := loadOrGenerateKeyring(&config)
	logs.Info.Println("Cell id:", keyring.ID())

	engine := cell.New(keyring, store, config.CellConfig.toConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err = engine.Start(ctx); err != nil {
		cancel()
		logs.Error.Fatalln("Failed to start cell engine:", err)
	}
	cancel()
	defer engine.Stop()

	if config.Listen != "" {
		engine.PublishExpvar()
		go func() {
			logs.Info.Println("Serving metrics at", config.Listen)
			if herr := http.ListenAndServe(config.Listen, nil); herr != nil {
				logs.Error.Println("Metrics server:", herr)
			}
		}()
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signalChan
	logs.Info.Println("Shutting down on signal:", sig)
}

// loadOrGenerateKeyring returns the node identity, creating and saving
// a fresh keyring on first run.
func loadOrGenerateKeyring(config *configType) *identity.Keyring {
	if config.Keyfile == "" {
		config.Keyfile = "./cell.keys"
	}

	if _, err := os.Stat(config.Keyfile); err == nil {
		keyring, err := identity.Load(config.Keyfile)
		if err != nil {
			logs.Error.Fatalln("Failed to load keyfile:", err)
		}
		return keyring
	}

	name := config.CellName
	if name == "" {
		name, _ = os.Hostname()
	}
	keyring, err := identity.Generate(name)
	if err != nil {
		logs.Error.Fatalln("Failed to generate identity:", err)
	}
	if err = keyring.Save(config.Keyfile); err != nil {
		logs.Error.Fatalln("Failed to save keyfile:", err)
	}
	logs.Info.Println("Generated new identity for", name)
	return keyring
}
