//go:build linux && (amd64 || arm64)

// wheelbench exercises the memory wheel between two processes and reports
// throughput.
//
// With no role argument it forks itself into a sender and a receiver
// connected by a SOCK_SEQPACKET socketpair, so the two ends genuinely have
// different virtual address spaces and file descriptor tables. The shared
// memory object and, in poll mode, the notification eventfds cross the
// socket as SCM_RIGHTS ancillary data.
//
//	wheelbench -mode spin       busy-wait on the wheel
//	wheelbench -mode poll       eventfd reactor on both ends
//	wheelbench -mode seqpacket  the same stream over the socketpair itself
//	wheelbench -mode soak       in-process wheels on a worker pool
//
// Each role prints one JSON result line; -db appends the same row to a
// sqlite database.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

type config struct {
	mode    string
	loops   int
	size    int
	sendMax int
	wheels  int
	db      string
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("wheelbench: ")

	var cfg config
	flag.StringVar(&cfg.mode, "mode", "poll", "spin, poll, seqpacket, or soak")
	flag.IntVar(&cfg.loops, "loops", 1000*1000, "messages per run")
	flag.IntVar(&cfg.size, "size", 128*1024, "wheel buffer size in bytes")
	flag.IntVar(&cfg.sendMax, "sendmax", 16, "exclusive upper bound on message size in bytes")
	flag.IntVar(&cfg.wheels, "wheels", 4, "concurrent wheels in soak mode")
	flag.StringVar(&cfg.db, "db", "", "sqlite database to append run results to")
	flag.Parse()

	var err error
	switch {
	case cfg.mode == "soak":
		err = runSoak(cfg)
	case flag.NArg() == 0:
		err = runPair(cfg)
	case flag.NArg() == 1 && (flag.Arg(0) == "tx" || flag.Arg(0) == "rx"):
		err = runRole(cfg, flag.Arg(0))
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [-mode spin|poll|seqpacket|soak] [flags] [tx|rx]\n", os.Args[0])
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}

// runPair forks this executable into the two roles. Each child finds its
// end of the socketpair at descriptor 3.
func runPair(cfg config) error {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socketpair: %w", err)
	}
	socks := [2]*os.File{
		os.NewFile(uintptr(pair[0]), "tx-sock"),
		os.NewFile(uintptr(pair[1]), "rx-sock"),
	}
	defer socks[0].Close()
	defer socks[1].Close()

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("executable: %w", err)
	}

	var g errgroup.Group
	for i, role := range []string{"tx", "rx"} {
		cmd := exec.Command(self,
			"-mode", cfg.mode,
			"-loops", fmt.Sprint(cfg.loops),
			"-size", fmt.Sprint(cfg.size),
			"-sendmax", fmt.Sprint(cfg.sendMax),
			"-db", cfg.db,
			role)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.ExtraFiles = []*os.File{socks[i]}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start %s: %w", role, err)
		}
		role := role
		g.Go(func() error {
			if err := cmd.Wait(); err != nil {
				return fmt.Errorf("%s: %w", role, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func runRole(cfg config, role string) error {
	conn, err := peerConn()
	if err != nil {
		return err
	}
	defer conn.Close()

	var res result
	switch cfg.mode + " " + role {
	case "spin tx":
		res, err = txSpin(cfg, conn)
	case "spin rx":
		res, err = rxSpin(cfg, conn)
	case "poll tx":
		res, err = txPoll(cfg, conn)
	case "poll rx":
		res, err = rxPoll(cfg, conn)
	case "seqpacket tx":
		res, err = txSeqpacket(cfg, conn)
	case "seqpacket rx":
		res, err = rxSeqpacket(cfg, conn)
	default:
		return fmt.Errorf("unexpected mode %q", cfg.mode)
	}
	if err != nil {
		return err
	}

	emitResult(res)
	if cfg.db != "" {
		if err := recordResult(cfg.db, res); err != nil {
			return err
		}
	}
	if res.Mismatches != 0 {
		return fmt.Errorf("%s %s: %d payloads failed verification", res.Mode, res.Role, res.Mismatches)
	}
	return nil
}
