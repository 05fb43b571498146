// Package interactive provides the operator console of fleetwire-manager.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"

	"github.com/fleetwire/fleetwire/pkg/callback"
	"github.com/fleetwire/fleetwire/pkg/service"
	"github.com/fleetwire/fleetwire/pkg/wire"
)

// stepReply is the continuation that prints asynchronous answers.
const stepReply callback.Step = "console.reply"

// asyncRequest is the token context of an async console command.
type asyncRequest struct {
	Payload string
	Sent    time.Time
}

// Console handles interactive mode for fleetwire-manager.
type Console struct {
	svc *service.ManagerService
	rl  *readline.Instance
	out io.Writer

	closeOnce sync.Once
	closeErr  error
}

// New creates a console on the terminal. Attach a service before Run.
func New() (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "fleetwire> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{rl: rl, out: rl.Stdout()}, nil
}

func newConsole(svc *service.ManagerService, out io.Writer) (*Console, error) {
	c := &Console{out: out}
	if err := c.Attach(svc); err != nil {
		return nil, err
	}
	return c, nil
}

// Attach binds the console to svc and registers the continuation that
// prints asynchronous answers.
func (c *Console) Attach(svc *service.ManagerService) error {
	c.svc = svc
	err := callback.Register(svc.Callbacks(), stepReply, c.printReply)
	if err != nil && !errors.Is(err, callback.ErrStepRegistered) {
		return err
	}
	return nil
}

// Close releases the terminal. It is safe to call more than once.
func (c *Console) Close() error {
	if c.rl == nil {
		return nil
	}
	c.closeOnce.Do(func() { c.closeErr = c.rl.Close() })
	return c.closeErr
}

// Stdout returns a writer that coordinates with the readline prompt. Use
// it for log output.
func (c *Console) Stdout() io.Writer {
	return c.out
}

// Run reads commands until quit, EOF or ctx is done. It calls cancel when
// the operator exits.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.Close()

	c.printHelp()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
		if quit := c.Execute(ctx, line); quit {
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
	}
}

// Execute runs one command line. It returns true when the operator asked
// to quit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "hosts", "h":
		c.cmdHosts()
	case "send", "s":
		c.cmdSend(ctx, args, false)
	case "seq":
		c.cmdSend(ctx, args, true)
	case "async", "a":
		c.cmdAsync(args)
	case "any":
		c.cmdAny(ctx, args)
	case "disable":
		c.hostOp(args, "disabled", c.svc.Dispatcher().Disable)
	case "enable":
		c.hostOp(args, "enabled", c.svc.Dispatcher().Enable)
	case "remove":
		c.hostOp(args, "removed", c.svc.Dispatcher().RemoveHost)
	case "disconnect":
		c.cmdDisconnect(args)
	case "history":
		c.cmdHistory(ctx, args)
	case "listeners", "l":
		c.cmdListeners()
	case "stats":
		c.cmdStats()
	case "quit", "exit", "q":
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `Commands:
  hosts                          list tracked hosts
  send <host> <payload...>       send one command and wait for the answer
  seq <host> <p1> [p2 ...]       send in-sequence commands, one per payload
  async <host> <payload...>      send without waiting; the answer is printed later
  any <dc|*> <hyp|*> <payload>   send to any eligible host
  disable|enable|remove <host>   administrative host state changes
  disconnect <host>              drop the host's connection
  history <host> [n]             recorded transitions (sqlite backend)
  listeners                      registered listeners in dispatch order
  stats                          pool and connection counters
  quit                           exit`)
}

func (c *Console) cmdHosts() {
	hosts := c.svc.Dispatcher().Hosts()
	if len(hosts) == 0 {
		fmt.Fprintln(c.out, "No hosts.")
		return
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tSTATUS\tCONNECTED\tDC\tHYPERVISOR\tPENDING\tMISSES\tLAST SEEN")
	for _, h := range hosts {
		lastSeen := "-"
		if !h.LastSeen.IsZero() {
			lastSeen = time.Since(h.LastSeen).Round(time.Second).String() + " ago"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%d\t%d\t%s\n",
			h.ID, h.Status, h.Connected, dash(h.Info.DataCenterID), dash(h.Info.HypervisorType),
			h.Pending, h.Misses, lastSeen)
	}
	tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (c *Console) cmdSend(ctx context.Context, args []string, inSequence bool) {
	if len(args) < 2 {
		fmt.Fprintln(c.out, "Usage: send <host> <payload...> | seq <host> <p1> [p2 ...]")
		return
	}
	hostID := args[0]

	var cmds []*wire.Command
	if inSequence {
		for _, p := range args[1:] {
			cmds = append(cmds, wire.NewSequencedCommand([]byte(p)))
		}
	} else {
		cmds = []*wire.Command{wire.NewCommand([]byte(strings.Join(args[1:], " ")))}
	}

	start := time.Now()
	answers, err := c.svc.Dispatcher().Send(ctx, hostID, cmds...)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	for _, ans := range answers {
		c.printAnswer(hostID, ans)
	}
	fmt.Fprintf(c.out, "(%s)\n", time.Since(start).Round(time.Millisecond))
}

func (c *Console) cmdAsync(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.out, "Usage: async <host> <payload...>")
		return
	}
	payload := strings.Join(args[1:], " ")
	tok, err := c.svc.Callbacks().Dispatch(c.svc.Dispatcher(), args[0], stepReply,
		asyncRequest{Payload: payload, Sent: time.Now()}, wire.NewCommand([]byte(payload)))
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Dispatched, token %s\n", tok.ID)
}

func (c *Console) printReply(_ context.Context, req asyncRequest, r callback.Result) error {
	elapsed := time.Since(req.Sent).Round(time.Millisecond)
	if r.Err != nil {
		fmt.Fprintf(c.out, "\n[async %q] %s failed after %s: %v\n", req.Payload, r.HostID, elapsed, r.Err)
		return nil
	}
	fmt.Fprintf(c.out, "\n[async %q] answered after %s\n", req.Payload, elapsed)
	for _, ans := range r.Answers {
		c.printAnswer(r.HostID, ans)
	}
	return nil
}

func (c *Console) cmdAny(ctx context.Context, args []string) {
	if len(args) < 3 {
		fmt.Fprintln(c.out, "Usage: any <dc|*> <hypervisor|*> <payload...>")
		return
	}
	wildcard := func(s string) string {
		if s == "*" {
			return ""
		}
		return s
	}
	ans, err := c.svc.Dispatcher().SendToAny(ctx, wildcard(args[0]), wildcard(args[1]),
		wire.NewCommand([]byte(strings.Join(args[2:], " "))))
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	c.printAnswer("", ans)
}

func (c *Console) printAnswer(hostID string, ans *wire.Answer) {
	result := "OK"
	if !ans.Success {
		result = "FAILED"
	}
	if hostID != "" {
		fmt.Fprintf(c.out, "  %s #%d %s: %s\n", hostID, ans.Sequence, result, ans.Payload)
		return
	}
	fmt.Fprintf(c.out, "  #%d %s: %s\n", ans.Sequence, result, ans.Payload)
}

func (c *Console) hostOp(args []string, done string, op func(hostID string) error) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: disable|enable|remove <host>")
		return
	}
	if err := op(args[0]); err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Host %s %s.\n", args[0], done)
}

func (c *Console) cmdDisconnect(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: disconnect <host>")
		return
	}
	if !c.svc.Dispatcher().Disconnect(args[0], "disconnected by operator") {
		fmt.Fprintf(c.out, "Host %s is not connected.\n", args[0])
		return
	}
	fmt.Fprintf(c.out, "Host %s disconnected.\n", args[0])
}

func (c *Console) cmdHistory(ctx context.Context, args []string) {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(c.out, "Usage: history <host> [n]")
		return
	}
	limit := 20
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(c.out, "Invalid count: %s\n", args[1])
			return
		}
		limit = n
	}
	entries, err := c.svc.History(ctx, args[0], limit)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "No transitions recorded.")
		return
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tEVENT\tFROM\tTO\tMISSES")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", e.At.Format(time.RFC3339), e.Event, e.From, e.To, e.Misses)
	}
	tw.Flush()
}

func (c *Console) cmdListeners() {
	regs := c.svc.Listeners().Snapshot()
	if len(regs) == 0 {
		fmt.Fprintln(c.out, "No listeners.")
		return
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPRIORITY\tINTEREST\tRECURRING")
	for _, r := range regs {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%t\n", r.ID, dash(r.Options.Name), r.Options.Priority, r.Options.Interest, r.Options.Recurring)
	}
	tw.Flush()
}

func (c *Console) cmdStats() {
	cb := c.svc.Callbacks().Stats()
	fmt.Fprintf(c.out, "Hosts:               %d\n", len(c.svc.Machine().Hosts()))
	fmt.Fprintf(c.out, "Attached agents:     %d\n", c.svc.Dispatcher().Registry().Len())
	fmt.Fprintf(c.out, "Pending handshakes:  %d\n", c.svc.Gateway().Pending())
	fmt.Fprintf(c.out, "Outstanding tokens:  %d\n", c.svc.Callbacks().Pending())
	fmt.Fprintf(c.out, "Callback pool:       %d workers, %d queued, %d processed, %d failed\n",
		cb.Workers, cb.QueueDepth, cb.Processed, cb.Failed)
}
