// Package config loads unisond's TOML configuration and watches it
// for changes, reloading the handful of settings that are safe to
// apply without a restart.
//
// Adapted from the teacher's cmd/dtnd/configuration.go tomlConfig
// shape (flat per-concern sub-structs decoded with BurntSushi/toml)
// and cmd/dtn-tool/exchange.go's fsnotify.Watcher usage, here pointed
// at a single config file instead of a directory of incoming bundles.
package config

import (
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Config is unisond's top-level TOML configuration.
type Config struct {
	Server  ServerConf
	Logging LogConf
	Wire    WireConf
}

// ServerConf describes the listen address and TLS material.
type ServerConf struct {
	ListenAddr      string `toml:"listen-addr"`
	Namespace       string
	CertFile        string `toml:"cert-file"`
	KeyFile         string `toml:"key-file"`
	ShutdownSeconds int    `toml:"shutdown-seconds"`
}

// LogConf mirrors the teacher's logConf block.
type LogConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// WireConf controls the packet codec.
type WireConf struct {
	CompressionThreshold int    `toml:"compression-threshold"`
	DisableCompression   bool   `toml:"disable-compression"`
	Checksum             bool
	Algorithm            string // "zstd" (default) or "xz"
	EventQueueSize       int    `toml:"event-queue-size"`
}

// Load decodes filename into a Config.
func Load(filename string) (Config, error) {
	var conf Config
	if _, err := toml.DecodeFile(filename, &conf); err != nil {
		return Config{}, err
	}
	return conf, nil
}

// ApplyLogging configures logrus per conf.Logging, matching the
// teacher's parseCore logging setup.
func ApplyLogging(conf LogConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("unisond: failed to set log level")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	case "json":
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		log.Warn("unisond: unknown logging format")
	}
}

// Watcher reloads the logging block of a config file whenever it's
// rewritten, without requiring a process restart. Other blocks (the
// listen address, TLS material, wire codec) are read once at startup,
// since rebinding the listener or swapping the codec mid-connection
// isn't safe to do implicitly.
type Watcher struct {
	filename string
	watcher  *fsnotify.Watcher

	mu    sync.Mutex
	onLog func(LogConf)

	done chan struct{}
}

// Watch starts watching filename for writes, calling onLog with the
// freshly parsed Logging block on every change that parses cleanly.
func Watch(filename string, onLog func(LogConf)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filename); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{filename: filename, watcher: fw, onLog: onLog, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case e, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			conf, err := Load(w.filename)
			if err != nil {
				log.WithField("error", err).Warn("unisond: config reload failed, keeping previous settings")
				continue
			}
			log.Info("unisond: reloaded logging configuration")
			w.mu.Lock()
			cb := w.onLog
			w.mu.Unlock()
			if cb != nil {
				cb(conf.Logging)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithField("error", err).Warn("unisond: config watcher error")
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
