// Command byte_stacker_in is the ingress side of the trunk bridge: it
// listens on one or more local TCP points and forwards every accepted
// connection's bytes across the UDP trunk to byte_stacker_out.
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

var log = golog.LoggerFor("byte_stacker_in")

const localPrefix = "--local"

func printHelp() {
	fmt.Println("byte_stacker_in")
	fmt.Println("byte_stacker_in --local1=ip:port [--local2=ip:port ...] --trunk=ip:port1,port2...")
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printHelp()
		return int(cliargs.ExitHelp)
	}

	cfgArgs, perr := cliargs.Parse(args, localPrefix)
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
		remote := &net.UDPAddr{IP: net.ParseIP(cfgArgs.TrunkHost), Port: int(port)}
		conn, err := net.DialUDP("udp", nil, remote)
		if err != nil {
			log.Errorf("dialing trunk endpoint %s: %v", remote, err)
			return int(cliargs.ExitMalformed)
		}
		conns = append(conns, conn)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	pool := chunkpool.New("byte_stacker_in", cfg.ChunkPoolSize, cfg.ChunkSize, cfg.PoolDebug)
	link := trunk.New(trunk.RoleClient, cfg, pool, conns, nil)

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

	for id, point := range cfgArgs.Points {
		go listenLocalPoint(ctx, link, id, point)
	}

	<-ctx.Done()
	link.Wait()
	return 0
}

func listenLocalPoint(ctx context.Context, link *trunk.Link, pointID uint32, point cliargs.Point) {
	addr := fmt.Sprintf("%s:%d", point.Address, point.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Errorf("listening on local point %d (%s): %v", pointID, addr, err)
		return
	}
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Debugf("accept on local point %d: %v", pointID, err)
			return
		}

		if _, err := link.AddConnect(pointID, conn); err != nil {
			log.Debugf("registering new connection for point %d: %v", pointID, err)
			conn.Close()
		}
	}
}
