// Command calc runs one member of a replicated calculator cluster. Start
// the first server alone, then grow the cluster from its console:
//
//	calc -id 1 -addr 127.0.0.1:9001 -dir ./data/1
//	calc -id 2 -addr 127.0.0.1:9002 -dir ./data/2
//
// and on server 1's console: add 2 127.0.0.1:9002
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/szmyd/graft/pkg/calc"
	"github.com/szmyd/graft/pkg/grpcmsg"
	"github.com/szmyd/graft/pkg/msg"
	"github.com/szmyd/graft/pkg/raft"
	"github.com/szmyd/graft/pkg/wal"
)

func main() {
	var (
		id      = flag.Int("id", 1, "server id (positive integer)")
		addr    = flag.String("addr", "127.0.0.1:9001", "listen address")
		dir     = flag.String("dir", "", "data directory (default ./data/<id>)")
		asyncSM = flag.Bool("async-snapshot-creation", false, "create snapshots asynchronously")
		verbose = flag.Bool("v", false, "verbose engine logging")
	)
	flag.Parse()

	if *id <= 0 {
		fmt.Fprintln(os.Stderr, "server id must be positive")
		os.Exit(2)
	}
	dataDir := *dir
	if dataDir == "" {
		dataDir = fmt.Sprintf("./data/%d", *id)
	}

	zcfg := zap.NewDevelopmentConfig()
	if !*verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	zl, err := zcfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	logger := zl.Sugar()
	defer func() { _ = logger.Sync() }()

	initial := msg.NewClusterConfig(0, 0)
	initial.Servers = append(initial.Servers, msg.NewSrvConfig(int32(*id), *addr))

	mgr, err := wal.OpenStateManager(dataDir, int32(*id), initial)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open state:", err)
		os.Exit(1)
	}
	defer mgr.Close()

	listener, err := grpcmsg.NewListener(*addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen:", err)
		os.Exit(1)
	}

	var sm *calc.StateMachine
	if *asyncSM {
		sm = calc.NewAsync()
	} else {
		sm = calc.New()
	}

	params := raft.DefaultParams()
	params.AutoForwarding = true
	params.SnapshotDistance = 1000

	server, err := raft.NewServer(raft.ServerOptions{
		StateMachine:  sm,
		StateManager:  mgr,
		ClientFactory: grpcmsg.NewFactory(),
		Listener:      listener,
		Params:        params,
		Logger:        logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
	server.Start()
	defer server.Shutdown(5 * time.Second)

	fmt.Println("    -- Replicated Calculator --")
	fmt.Printf("    Server ID:  %d\n", *id)
	fmt.Printf("    Endpoint:   %s\n", *addr)
	fmt.Println("type 'help' for commands")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("calc %d> ", *id)
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !dispatch(server, sm, line) {
			return
		}
	}
}

func dispatch(server *raft.Server, sm *calc.StateMachine, line string) bool {
	tokens := strings.Fields(line)
	cmd := tokens[0]

	switch {
	case cmd == "q" || cmd == "exit":
		return false
	case cmd[0] == '+' || cmd[0] == '-' || cmd[0] == '*' || cmd[0] == '/':
		appendOp(server, sm, cmd)
	case cmd == "add" && len(tokens) == 3:
		addServer(server, tokens[1], tokens[2])
	case cmd == "rm" && len(tokens) == 2:
		removeServer(server, tokens[1])
	case cmd == "st" || cmd == "stat":
		printStatus(server, sm)
	case cmd == "ls" || cmd == "list":
		listServers(server)
	case cmd == "h" || cmd == "help":
		printHelp()
	default:
		fmt.Println("unknown command; type 'help'")
	}
	return true
}

func appendOp(server *raft.Server, sm *calc.StateMachine, cmd string) {
	operand, err := strconv.ParseInt(cmd[1:], 10, 64)
	if err != nil {
		fmt.Println("bad operand:", cmd[1:])
		return
	}
	var op calc.Op
	switch cmd[0] {
	case '+':
		op = calc.OpAdd
	case '-':
		op = calc.OpSub
	case '*':
		op = calc.OpMul
	case '/':
		op = calc.OpDiv
		if operand == 0 {
			fmt.Println("cannot divide by zero")
			return
		}
	}

	started := time.Now()
	res := server.AppendEntries([][]byte{calc.EncodeCommand(op, operand)})
	data, err := res.Await(5 * time.Second)
	if err != nil {
		fmt.Printf("failed: %s, %v\n", res.Code(), time.Since(started).Round(time.Microsecond))
		return
	}
	value, err := calc.DecodeResult(data)
	if err != nil {
		fmt.Println("undecodable result:", err)
		return
	}
	fmt.Printf("succeeded, %v, return value: %d, state machine value: %d\n",
		time.Since(started).Round(time.Microsecond), value, sm.Value())
}

func addServer(server *raft.Server, idStr, endpoint string) {
	id, err := strconv.ParseInt(idStr, 10, 32)
	if err != nil || id <= 0 {
		fmt.Println("bad server id:", idStr)
		return
	}
	res := server.AddSrv(msg.NewSrvConfig(int32(id), endpoint))
	if _, err := res.Await(30 * time.Second); err != nil {
		fmt.Printf("add failed: %s\n", res.Code())
		return
	}
	fmt.Printf("server %d added\n", id)
}

func removeServer(server *raft.Server, idStr string) {
	id, err := strconv.ParseInt(idStr, 10, 32)
	if err != nil || id <= 0 {
		fmt.Println("bad server id:", idStr)
		return
	}
	res := server.RemoveSrv(int32(id))
	if _, err := res.Await(30 * time.Second); err != nil {
		fmt.Printf("remove failed: %s\n", res.Code())
		return
	}
	fmt.Printf("server %d removed\n", id)
}

func printStatus(server *raft.Server, sm *calc.StateMachine) {
	fmt.Printf("my server id: %d\n", server.ID())
	fmt.Printf("leader id: %d\n", server.Leader())
	fmt.Printf("role: %s\n", server.Role())
	fmt.Printf("current term: %d\n", server.Term())
	fmt.Printf("last committed index: %d\n", server.CommittedIndex())
	if snp := sm.LastSnapshot(); snp != nil {
		fmt.Printf("last snapshot: idx=%d term=%d\n", snp.LastLogIdx, snp.LastLogTerm)
	} else {
		fmt.Println("last snapshot: none")
	}
	fmt.Printf("state machine value: %d\n", sm.Value())
}

func listServers(server *raft.Server) {
	conf := server.Config()
	for _, sv := range conf.Servers {
		role := ""
		if sv.ID == server.Leader() {
			role = " (leader)"
		}
		if sv.Learner {
			role += " (learner)"
		}
		fmt.Printf("server %d: %s%s\n", sv.ID, sv.Endpoint, role)
	}
}

func printHelp() {
	fmt.Println("modify value: <+|-|*|/><operand>   e.g. +123")
	fmt.Println("add server:   add <id> <host:port>")
	fmt.Println("remove server: rm <id>")
	fmt.Println("status:       st")
	fmt.Println("members:      ls")
	fmt.Println("quit:         q")
}
