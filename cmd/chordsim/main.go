package main

import (
	"flag"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/zde37/gochord/internal/config"
	"github.com/zde37/gochord/internal/sim"
	"github.com/zde37/gochord/pkg"
)

func main() {
	nodes := flag.Int("nodes", 8, "Number of nodes in the simulated ring")
	base := flag.String("base", "10.0.0.1", "Address of the first node; the rest count up from it")
	latency := flag.Duration("latency", time.Millisecond, "One-way network latency")
	fingers := flag.Int("fingers", 4, "Number of finger table entries")
	rounds := flag.Int("rounds", 3, "Stabilization rounds after the joins")
	leave := flag.Int("leave", 0, "Number of nodes that leave gracefully after the ring forms")
	crash := flag.Int("crash", 0, "Number of nodes that crash after the ring forms")
	duration := flag.Duration("duration", 0, "Extra virtual time to run with periodic maintenance")
	seed := flag.Uint("seed", 1, "Transaction id seed")
	logLevel := flag.String("log-level", "warn", "Log level (trace, debug, info, warn, error)")
	flag.Parse()

	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = *logLevel
	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	if err := simulate(logger, *nodes, *base, *latency, *fingers, *rounds, *leave, *crash, *duration, uint32(*seed)); err != nil {
		logger.Error().Err(err).Msg("Simulation failed")
		logger.Close()
		os.Exit(1)
	}
}

func hosts(base string, n int) ([]string, error) {
	addr, err := netip.ParseAddr(base)
	if err != nil || !addr.Is4() {
		return nil, fmt.Errorf("invalid base address %q", base)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if !addr.IsValid() || addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
			return nil, fmt.Errorf("ran out of addresses after %d nodes", i)
		}
		out = append(out, addr.String())
		addr = addr.Next()
	}
	return out, nil
}

func simulate(logger *pkg.Logger, n int, base string, latency time.Duration, fingers, rounds, leave, crash int, duration time.Duration, seed uint32) error {
	if n < 1 {
		return fmt.Errorf("need at least one node")
	}
	if leave+crash >= n {
		return fmt.Errorf("leave and crash counts must leave at least one node")
	}

	cfg := config.DefaultConfig()
	cfg.FingerEntries = fingers

	c, err := sim.NewCluster(sim.Options{
		Config:  cfg,
		Latency: latency,
		Seed:    seed,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	addrs, err := hosts(base, n)
	if err != nil {
		return err
	}
	for _, h := range addrs {
		if _, err := c.Add(h); err != nil {
			return err
		}
	}

	if err := c.Create(addrs[0]); err != nil {
		return err
	}
	for _, h := range addrs[1:] {
		if err := c.Join(h, addrs[0]); err != nil {
			return fmt.Errorf("join %s: %w", h, err)
		}
	}
	c.Stabilize(rounds)
	c.FixFingers()

	fmt.Println("== ring formed")
	fmt.Print(c.Dump())

	// Departures are taken from the end of the list so the landmark stays.
	victims := addrs[n-leave-crash:]
	for i, h := range victims {
		if i < leave {
			err = c.Leave(h)
		} else {
			err = c.Crash(h)
		}
		if err != nil {
			return fmt.Errorf("remove %s: %w", h, err)
		}
	}
	if leave+crash > 0 {
		c.Stabilize(rounds)
		c.FixFingers()
		fmt.Printf("== after %d leaves and %d crashes\n", leave, crash)
		fmt.Print(c.Dump())
	}

	if duration > 0 {
		c.Run(duration)
		fmt.Printf("== after %s of maintenance\n", duration)
		fmt.Print(c.Dump())
	}

	delivered, dropped := c.Network.Stats()
	fmt.Printf("datagrams delivered=%d dropped=%d\n", delivered, dropped)

	if err := c.Verify(); err != nil {
		fmt.Println(err)
		return nil
	}
	fmt.Println("ring consistent")
	return nil
}
