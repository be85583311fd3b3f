// xkv is a command-line front end over the embedded B+tree engine: one-shot
// subcommands for put/get/del/scan plus dump/check debug output, and a serve
// mode that keeps an engine alive with the vacuum scheduler running and
// Prometheus metrics exposed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nainya/xkv/internal/telemetry"
	"github.com/nainya/xkv/pkg/btree"
	"github.com/nainya/xkv/pkg/engine"
	"github.com/nainya/xkv/pkg/page"
	"github.com/nainya/xkv/pkg/txn"
	"github.com/nainya/xkv/pkg/vacuum"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "put":
		runPut(args)
	case "get":
		runGet(args)
	case "del":
		runDel(args)
	case "scan":
		runScan(args)
	case "dump":
		runDump(args)
	case "check":
		runCheck(args)
	case "serve":
		runServe(args)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: xkv <put|get|del|scan|dump|check|serve> [flags]")
}

func openTree(keySize int) *btree.Tree {
	log := telemetry.GetGlobalLogger().For("btree")
	cfg := engine.DefaultConfig()
	cfg.KeySize = keySize
	warn := func(id page.ID, waited time.Duration) { log.LockWaitWarn(uint64(id), waited) }
	tree, err := btree.Open(cfg, warn)
	if err != nil {
		log.Fatal("failed to open tree").Err(err).Send()
	}
	return tree
}

func runPut(args []string) {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	keySize := fs.Int("keysize", 8, "fixed key width in bytes")
	fs.Parse(args)
	if fs.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "usage: xkv put [-keysize N] <key> <value>")
		os.Exit(1)
	}
	k, err := strconv.ParseUint(fs.Arg(0), 10, 64)
	must(err)

	tree := openTree(*keySize)
	defer tree.Close()

	tx := tree.Begin()
	must(tx.Insert(engine.EncodeUint64Key(k, *keySize), []byte(fs.Arg(1))))
	_, err = tx.Commit()
	must(err)
}

func runGet(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	keySize := fs.Int("keysize", 8, "fixed key width in bytes")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: xkv get [-keysize N] <key>")
		os.Exit(1)
	}
	k, err := strconv.ParseUint(fs.Arg(0), 10, 64)
	must(err)

	tree := openTree(*keySize)
	defer tree.Close()

	tx := tree.Begin()
	v, err := tx.Get(engine.EncodeUint64Key(k, *keySize))
	tx.Rollback()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(string(v))
}

func runDel(args []string) {
	fs := flag.NewFlagSet("del", flag.ExitOnError)
	keySize := fs.Int("keysize", 8, "fixed key width in bytes")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: xkv del [-keysize N] <key>")
		os.Exit(1)
	}
	k, err := strconv.ParseUint(fs.Arg(0), 10, 64)
	must(err)

	tree := openTree(*keySize)
	defer tree.Close()

	tx := tree.Begin()
	must(tx.Delete(engine.EncodeUint64Key(k, *keySize)))
	_, err = tx.Commit()
	must(err)
}

func runScan(args []string) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	keySize := fs.Int("keysize", 8, "fixed key width in bytes")
	reverse := fs.Bool("reverse", false, "scan in descending order")
	fs.Parse(args)

	tree := openTree(*keySize)
	defer tree.Close()

	tx := tree.Begin()
	defer tx.Rollback()

	print := func(k, v []byte) bool {
		fmt.Printf("%d\t%s\n", engine.DecodeUint64Key(k), v)
		return true
	}
	var err error
	if *reverse {
		err = tx.ScanReverse(nil, nil, print)
	} else {
		err = tx.Scan(nil, nil, print)
	}
	must(err)
}

func runDump(args []string) {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	keySize := fs.Int("keysize", 8, "fixed key width in bytes")
	dot := fs.Bool("dot", false, "emit Graphviz dot instead of a flat listing")
	fs.Parse(args)

	tree := openTree(*keySize)
	defer tree.Close()

	tx := tree.Begin()
	defer tx.Rollback()

	if !*dot {
		must(tx.Scan(nil, nil, func(k, v []byte) bool {
			fmt.Printf("%d\t%s\n", engine.DecodeUint64Key(k), v)
			return true
		}))
		return
	}

	fmt.Println("digraph xkv {")
	fmt.Println("  node [shape=record];")
	i := 0
	_ = tx.Scan(nil, nil, func(k, v []byte) bool {
		fmt.Printf("  n%d [label=\"%d|%s\"];\n", i, engine.DecodeUint64Key(k), v)
		if i > 0 {
			fmt.Printf("  n%d -> n%d;\n", i-1, i)
		}
		i++
		return true
	})
	fmt.Println("}")
}

func runCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	keySize := fs.Int("keysize", 8, "fixed key width in bytes")
	fs.Parse(args)

	tree := openTree(*keySize)
	defer tree.Close()

	tx := tree.Begin()
	defer tx.Rollback()

	report := tree.CheckInvariants(tx)
	if report.OK() {
		fmt.Println("ok: no invariant violations found")
		return
	}
	for _, v := range report.Violations {
		fmt.Println(v.String())
	}
	os.Exit(1)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	keySize := fs.Int("keysize", 8, "fixed key width in bytes")
	metricsAddr := fs.String("metrics-addr", ":9090", "address to serve /metrics on")
	fs.Parse(args)

	telemetry.InitGlobalLogger(telemetry.Config{Level: "info", Pretty: true})
	log := telemetry.GetGlobalLogger()
	metrics := telemetry.NewMetrics()

	tree := openTree(*keySize)
	defer tree.Close()

	txn.SetAbandonedTxWarning(func(id txn.TxID) { log.AbandonedTxWarn(uint64(id)) })

	tree.Manager().SetCommitObserver(func(id txn.TxID, err error, elapsed time.Duration) {
		status := "ok"
		var conflict *engine.CommitConflictError
		var deadlock *engine.DeadlockError
		switch {
		case err == nil:
		case errors.As(err, &conflict):
			status = "conflict"
		case errors.As(err, &deadlock):
			status = "deadlock"
		default:
			status = "error"
		}
		metrics.RecordCommit(status, elapsed)
		log.LogCommit(uint64(id), elapsed, err)
	})

	sched := vacuum.NewScheduler(tree.Manager(), tree, func(s vacuum.Stats) {
		metrics.RecordVacuumPass(s.Scanned, s.Reclaimed)
	})
	sched.Start()
	defer sched.Stop()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		var lastSplits, lastMerges uint64
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				metrics.PagesAllocatedTotal.Set(float64(tree.Manager().Block().Allocated()))
				metrics.TransactionsActive.Set(float64(tree.Manager().ActiveTransactions()))
				splits, merges := tree.Stats()
				metrics.BtreeSplitsTotal.Add(float64(splits - lastSplits))
				metrics.BtreeMergesTotal.Add(float64(merges - lastMerges))
				lastSplits, lastMerges = splits, merges
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: *metricsAddr, Handler: mux}

	go func() {
		log.Info("metrics server listening").Str("addr", *metricsAddr).Send()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed").Err(err).Send()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("shutting down gracefully").Send()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
