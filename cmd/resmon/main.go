package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	wasmres "github.com/wippyai/wasm-resources"
	"github.com/wippyai/wasm-resources/lifetime"
	"github.com/wippyai/wasm-resources/sharing"
	"github.com/wippyai/wasm-resources/store"
	"github.com/wippyai/wasm-resources/table"
)

func main() {
	var (
		interval = flag.Duration("interval", 500*time.Millisecond, "Refresh interval")
		workers  = flag.Int("workers", 4, "Synthetic component instances")
		plain    = flag.Bool("plain", false, "Plain text output instead of TUI")
		verbose  = flag.Bool("v", false, "Debug logging to stderr (use with -plain)")
	)
	flag.Parse()

	if *verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		table.SetLogger(logger)
		lifetime.SetLogger(logger)
		sharing.SetLogger(logger)
	}

	cfg := store.DefaultConfig()
	g := store.NewGuarded(store.New(cfg))

	types, err := seedTypes(g)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	stop := make(chan struct{})
	for i := 0; i < *workers; i++ {
		go workload(g, wasmres.InstanceID(i+1), wasmres.InstanceID((i+1)%*workers+1), types, stop)
	}
	defer close(stop)

	if *plain || !term.IsTerminal(int(os.Stdout.Fd())) {
		runPlain(g, *interval)
		return
	}
	if err := runMonitor(g, cfg, *interval); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func seedTypes(g *store.Guarded) ([]wasmres.TypeID, error) {
	var types []wasmres.TypeID
	for _, name := range []string{"stream", "buffer", "connection"} {
		id, err := g.RegisterType(name, 256, nil, wasmres.LevelQM)
		if err != nil {
			return nil, err
		}
		types = append(types, id)
	}
	return types, nil
}

// workload exercises the full resource lifecycle from one synthetic
// component instance: create, borrow inside a scope, occasionally share
// to a neighbor, drop.
func workload(g *store.Guarded, self, neighbor wasmres.InstanceID, types []wasmres.TypeID, stop <-chan struct{}) {
	rng := rand.New(rand.NewSource(int64(self)))

	var agreement sharing.AgreementID
	if neighbor != self {
		agreement, _ = g.EstablishSharing(self, neighbor, types,
			sharing.RightRead, sharing.PolicyShare, sharing.LifetimePolicy{})
	}

	var task wasmres.TaskID
	for {
		select {
		case <-stop:
			return
		default:
		}

		task++
		typ := types[rng.Intn(len(types))]
		payload := make([]byte, rng.Intn(128))

		h, err := g.CreateResource(typ, payload, self)
		if err != nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if scope, err := g.OpenScope(self, task); err == nil {
			if b, err := g.BorrowResource(h, self, scope); err == nil {
				g.ValidateBorrow(b)
			}
			g.CloseScope(scope)
		}

		if agreement != 0 && rng.Intn(4) == 0 {
			if sh, err := g.ShareResource(agreement, h); err == nil {
				time.Sleep(time.Duration(rng.Intn(20)) * time.Millisecond)
				g.ReturnShared(neighbor, sh)
			}
		}

		time.Sleep(time.Duration(rng.Intn(30)) * time.Millisecond)
		g.DropResource(h)
		g.Cleanup()
	}
}

func runPlain(g *store.Guarded, interval time.Duration) {
	for {
		st := g.Statistics()
		fmt.Printf("types=%d active=%d created=%d destroyed=%d mem=%dB borrows=%d scopes=%d shares=%d\n",
			st.Types,
			st.Table.ActiveResources,
			st.Table.TotalCreated,
			st.Table.TotalDestroyed,
			st.Table.MemoryUsed,
			st.Lifetime.ActiveBorrows,
			st.Lifetime.ActiveScopes,
			st.Sharing.Shares)
		time.Sleep(interval)
	}
}
