// Package server wires up the whole process: load config and dictionary,
// build the registry and directory cache, start W = nprocs-1 reactor
// workers, start the acceptor, print the startup banner, and block until
// a Shutdown request tears everything down.
package server

import (
	"fmt"
	"runtime"

	"filedserver/internal/acceptor"
	"filedserver/internal/config"
	"filedserver/internal/dict"
	"filedserver/internal/dirlist"
	"filedserver/internal/handlers"
	"filedserver/internal/reactor"
	"filedserver/internal/registry"

	"github.com/fatih/color"
	"github.com/op/go-logging"
)

// dirListCacheCapacity bounds the supplemental directory-listing cache;
// this server only ever serves one Config.dir, so in practice one entry
// is exercised.
const dirListCacheCapacity = 32

// dictPath is where the compression dictionary is loaded from.
const dictPath = "compression.dict"

// Run loads configuration and the dictionary from cfgPath and
// dictPath, starts the server, and blocks until a Shutdown request is
// served. It returns a non-zero-worthy error only for startup failures;
// a clean shutdown returns nil.
func Run(cfgPath string, log *logging.Logger) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("server: loading config: %w", err)
	}

	dictionary, err := dict.LoadFile(dictPath)
	if err != nil {
		return fmt.Errorf("server: loading dictionary %s: %w", dictPath, err)
	}

	reg := registry.New()
	dirCache, err := dirlist.New(dirListCacheCapacity)
	if err != nil {
		return fmt.Errorf("server: building directory cache: %w", err)
	}

	deps := &handlers.Deps{
		Dir:      cfg.Dir,
		Dict:     dictionary,
		Registry: reg,
		DirCache: dirCache,
		Log:      log,
	}

	workerCount := runtime.NumCPU() - 1
	if workerCount < 1 {
		workerCount = 1
	}

	var acc *acceptor.Acceptor
	workers := make([]*reactor.Worker, workerCount)
	for i := range workers {
		w, err := reactor.New(deps, log, func() {
			if acc != nil {
				acc.Shutdown()
			}
		})
		if err != nil {
			return fmt.Errorf("server: starting worker %d: %w", i, err)
		}
		workers[i] = w
	}

	var ip [4]byte
	copy(ip[:], cfg.IP.To4())
	acc, err = acceptor.New(ip, cfg.Port, workers, log)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	banner := fmt.Sprintf(
		"listening on %s:%d, serving %s with %d workers (dictionary: %.2f bits/symbol average)",
		cfg.IP, cfg.Port, cfg.Dir, workerCount, averageCodeLen(dictionary),
	)
	fmt.Println(color.GreenString(banner))

	acc.Run()

	fmt.Println(color.YellowString("shutdown request served, exiting"))
	return nil
}

// averageCodeLen reports the mean code length, in bits, across the
// dictionary's 256 symbol entries: a stand-in for how well the loaded
// dictionary actually compresses, unlike a fixed symbol count that would
// print 256 for every dictionary regardless of its content.
func averageCodeLen(d *dict.Dictionary) float64 {
	var total int
	for _, e := range d.Encode {
		total += int(e.Len)
	}
	return float64(total) / float64(len(d.Encode))
}
