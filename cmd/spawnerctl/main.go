// Command spawnerctl is a thin diagnostic client for a running spawnerd:
// it speaks internal/protocol directly over a unixpacket dial, in the
// same spirit as the teacher's own cmd/runprog being a thin CLI over
// pkg/forkexec.Runner (SPEC_FULL.md §6.5). It carries no isolation policy
// of its own.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/ctrlplane-oss/spawnerd/internal/protocol"
)

func main() {
	if len(os.Args) < 3 {
		usage()
	}
	sockPath := os.Args[1]
	cmd := os.Args[2]
	args := os.Args[3:]

	conn, err := net.Dial("unixpacket", sockPath)
	if err != nil {
		fatalf("dial %s: %v", sockPath, err)
	}
	defer conn.Close()

	switch cmd {
	case "exec":
		runExec(conn.(*net.UnixConn), args)
	case "kill":
		runKill(conn.(*net.UnixConn), args)
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <socket> exec <id> <path> [args...]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "       %s <socket> kill <id> <signal>\n", os.Args[0])
	os.Exit(2)
}

func fatalf(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

// runExec builds a minimal EXEC request (path + argv, no namespaces or
// mounts) and prints the EXEC_COMPLETE/EXIT batches that come back.
func runExec(conn *net.UnixConn, args []string) {
	if len(args) < 2 {
		usage()
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fatalf("bad id %q: %v", args[0], err)
	}
	path := args[1]
	argv := args[2:]

	w := protocol.NewWriter()
	w.Byte(byte(protocol.CmdExec))
	w.Uint32(uint32(id))
	w.LString(fmt.Sprintf("spawnerctl-%d", id))
	w.Byte(byte(protocol.TagExecPath))
	w.CString(path)
	for _, a := range argv {
		w.Byte(byte(protocol.TagArg))
		w.CString(a)
	}

	if _, err := conn.Write(w.Bytes()); err != nil {
		fatalf("send EXEC: %v", err)
	}
	readResponses(conn)
}

func runKill(conn *net.UnixConn, args []string) {
	if len(args) < 2 {
		usage()
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fatalf("bad id %q: %v", args[0], err)
	}
	signo, err := strconv.ParseInt(args[1], 10, 32)
	if err != nil {
		fatalf("bad signal %q: %v", args[1], err)
	}

	payload := protocol.EncodeKill([]protocol.KillItem{{ID: uint32(id), Signal: int32(signo)}})
	if _, err := conn.Write(payload); err != nil {
		fatalf("send KILL: %v", err)
	}
}

// readResponses prints every EXEC_COMPLETE/EXIT batch the daemon sends
// back, until the connection closes or a read fails. A diagnostic client
// has no reason to block indefinitely waiting on children it didn't spawn
// itself, so it just keeps printing until EOF.
func readResponses(conn *net.UnixConn) {
	buf := make([]byte, 1<<16)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		kind := protocol.ResponseKind(buf[0])
		body := buf[1:n]
		switch kind {
		case protocol.RespExecComplete:
			items, err := protocol.DecodeExecComplete(body)
			if err != nil {
				fatalf("decode EXEC_COMPLETE: %v", err)
			}
			for _, it := range items {
				if it.Err == "" {
					fmt.Printf("EXEC_COMPLETE id=%d ok\n", it.ID)
				} else {
					fmt.Printf("EXEC_COMPLETE id=%d err=%q\n", it.ID, it.Err)
				}
			}
			return
		case protocol.RespExit:
			items, err := protocol.DecodeExit(body)
			if err != nil {
				fatalf("decode EXIT: %v", err)
			}
			for _, it := range items {
				fmt.Printf("EXIT id=%d status=%d\n", it.ID, it.Status)
			}
			return
		default:
			fatalf("unknown response kind %#x", byte(kind))
		}
	}
}
