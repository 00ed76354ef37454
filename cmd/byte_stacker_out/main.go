// Command byte_stacker_out is the egress side of the trunk bridge: for every
// CreateConnect arriving over the UDP trunk, it dials the external point the
// PointID maps to and relays bytes in both directions.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/getlantern/golog"

	"github.com/relaykit/bytestacker/internal/chunkpool"
	"github.com/relaykit/bytestacker/internal/cliargs"
	"github.com/relaykit/bytestacker/internal/stats"
	"github.com/relaykit/bytestacker/internal/trunk"
	"github.com/relaykit/bytestacker/internal/trunkcfg"
)

var log = golog.LoggerFor("byte_stacker_out")

const externalPrefix = "--external"

func printHelp() {
	fmt.Println("byte_stacker_out")
	fmt.Println("byte_stacker_out --external1=ip:port [--external2=ip:port ...] --trunk=ip:port1,port2...")
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printHelp()
		return int(cliargs.ExitHelp)
	}

	cfgArgs, perr := cliargs.Parse(args, externalPrefix)
	if perr != nil {
		log.Errorf("%v", perr)
		if perr.Code == cliargs.ExitHelp {
			printHelp()
		}
		return int(perr.Code)
	}

	cfg := trunkcfg.Default()
	if cfgArgs.ConfigPath != "" {
		loaded, err := trunkcfg.Load(cfgArgs.ConfigPath)
		if err != nil {
			log.Errorf("loading %s: %v", cfgArgs.ConfigPath, err)
			return int(cliargs.ExitMalformed)
		}
		cfg = loaded
	}

	conns := make([]*net.UDPConn, 0, len(cfgArgs.TrunkPorts))
	for _, port := range cfgArgs.TrunkPorts {
		local := &net.UDPAddr{IP: net.ParseIP(cfgArgs.TrunkHost), Port: int(port)}
		conn, err := net.ListenUDP("udp", local)
		if err != nil {
			log.Errorf("listening on trunk endpoint %s: %v", local, err)
			return int(cliargs.ExitMalformed)
		}
		conns = append(conns, conn)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	points := cfgArgs.Points
	factory := func(pointID uint32) (string, bool) {
		p, ok := points[pointID]
		if !ok {
			return "", false
		}
		return fmt.Sprintf("%s:%d", p.Address, p.Port), true
	}

	pool := chunkpool.New("byte_stacker_out", cfg.ChunkPoolSize, cfg.ChunkSize, cfg.PoolDebug)
	link := trunk.New(trunk.RoleServer, cfg, pool, conns, factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Debugf("shutdown signal received")
		cancel()
	}()

	link.Run(ctx)
	go stats.New(link, cfg.StatsInterval, os.Stdout).Run(ctx)

	<-ctx.Done()
	link.Wait()
	return 0
}
