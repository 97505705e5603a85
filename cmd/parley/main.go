// Command parley is a terminal practice client. It drives the turn
// controller against a parleyd server, reading the learner's speech from a
// WAV file and writing every synthesized reply to a directory.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MrWong99/parley/internal/billing"
	"github.com/MrWong99/parley/internal/catalog"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/mode"
	"github.com/MrWong99/parley/internal/reconcile"
	"github.com/MrWong99/parley/internal/store/sqlite"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio/wavfile"
	"github.com/MrWong99/parley/pkg/dialogue"
	remotestt "github.com/MrWong99/parley/pkg/provider/stt/remote"
	remotetts "github.com/MrWong99/parley/pkg/provider/tts/remote"
	"github.com/MrWong99/parley/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file (optional)")
	envFile := flag.String("env", ".env", "optional .env file loaded before the config")
	wavPath := flag.String("wav", "", "WAV file played as the microphone on every start")
	outDir := flag.String("out", "replies", "directory synthesized replies are written to")
	realtime := flag.Bool("realtime", false, "pace capture and playback at wall-clock speed")
	serverURL := flag.String("server", "", "parleyd base URL, overrides client.server_url")
	verbose := flag.Bool("v", false, "log debug output")
	flag.Parse()

	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 1
	}
	if *serverURL != "" {
		cfg.Client.ServerURL = *serverURL
	}
	if *wavPath == "" {
		fmt.Fprintln(os.Stderr, "parley: -wav is required")
		return 2
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := newSession(cfg, *wavPath, *outDir, *realtime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 1
	}
	defer sess.close()

	fmt.Printf("parley: connected to %s in %s mode. Type help for commands.\n", cfg.Client.ServerURL, cfg.Client.Mode)
	if err := sess.repl(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 1
	}
	fmt.Printf("spent %.2f RUB\n", sess.ledger.Total())
	return 0
}

// loadConfig reads path, or returns the defaults when it does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		d := config.Config{}.WithDefaults()
		return &d, nil
	}
	return cfg, err
}

// session is one client run: the controller and what it was built from.
type session struct {
	cfg     *config.Config
	ctrl    *turn.Controller
	store   *sqlite.Store
	ledger  *billing.Ledger
	catalog *catalog.Catalog
	out     io.Writer
}

func newSession(cfg *config.Config, wavPath, outDir string, realtime bool) (*session, error) {
	c := cfg.Client
	sttClient, err := remotestt.New(c.ServerURL, remotestt.WithToken(c.Token))
	if err != nil {
		return nil, err
	}
	ttsClient, err := remotetts.New(c.ServerURL, remotetts.WithToken(c.Token))
	if err != nil {
		return nil, err
	}
	dlg, err := dialogue.NewClient(c.ServerURL, dialogue.WithToken(c.Token))
	if err != nil {
		return nil, err
	}

	st, err := sqlite.Open(c.Database)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", c.Database, err)
	}
	s := &session{cfg: cfg, store: st, ledger: billing.NewLedger(cfg.Billing), out: os.Stdout}

	if path := cfg.Catalog.ScenariosPath; path != "" {
		if s.catalog, err = catalog.LoadFile(path); err != nil {
			st.Close()
			return nil, err
		}
	}

	rc := reconcile.New(st, c.OwnerID, reconcile.WithWindow(cfg.Dialogue.ReconcileWindow))
	ctrl, err := turn.New(
		wavfile.NewSource(wavPath, realtime),
		wavfile.NewSink(outDir, realtime),
		turn.Providers{STT: sttClient, Dialogue: dlg, TTS: ttsClient},
		turn.WithModes(mode.NewController(cfg.Dialogue.MaxTokens)),
		turn.WithPersister(rc),
		turn.WithFeedback(dlg),
		turn.WithMeter(s.ledger),
		turn.WithObserver(printer{s: s}),
		turn.WithVoice(c.Voice),
	)
	if err != nil {
		st.Close()
		return nil, err
	}
	s.ctrl = ctrl
	return s, nil
}

func (s *session) close() {
	s.ctrl.Close()
	s.ctrl.Wait()
	if err := s.store.Close(); err != nil {
		slog.Warn("close store", "err", err)
	}
}

const help = `commands:
  start                        begin recording
  stop                         end recording and run the turn
  cancel                       abandon the current turn
  goal                         finish the roleplay or debate attempt
  mode freestyle
  mode roleplay <scenario-id>
  mode debate <for|against> <topic…>
  scenarios                    list the scenario catalog
  exit                         end the conversation
  quit                         leave parley`

// repl reads commands from in until quit, EOF or ctx ends.
func (s *session) repl(ctx context.Context, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch cmd, args := fields[0], fields[1:]; cmd {
		case "start":
			report(out, s.ctrl.Start(ctx))
		case "stop":
			report(out, s.ctrl.Stop(ctx))
		case "cancel":
			s.ctrl.Cancel()
		case "goal":
			rec, err := s.ctrl.GoalReached(ctx)
			if report(out, err) {
				fmt.Fprintf(out, "goal reached, completion %s\n", rec.ID)
				if rec.Feedback != "" {
					fmt.Fprintln(out, rec.Feedback)
				}
			}
		case "mode":
			cfg, err := s.modeConfig(args)
			if report(out, err) {
				report(out, s.ctrl.SetMode(ctx, cfg))
			}
		case "scenarios":
			s.listScenarios(out)
		case "exit":
			s.ctrl.Exit()
			fmt.Fprintln(out, "conversation ended")
			report(out, s.ctrl.Open(ctx))
		case "quit":
			return nil
		case "help":
			fmt.Fprintln(out, help)
		default:
			fmt.Fprintf(out, "unknown command %q, type help\n", cmd)
		}
	}
}

// modeConfig parses the arguments of the mode command.
func (s *session) modeConfig(args []string) (mode.Config, error) {
	if len(args) == 0 {
		return mode.Config{}, errors.New("usage: mode freestyle|roleplay|debate")
	}
	switch m := types.Mode(args[0]); m {
	case types.ModeFreestyle:
		return mode.Config{Mode: m}, nil
	case types.ModeRoleplay:
		if len(args) < 2 {
			return mode.Config{}, errors.New("usage: mode roleplay <scenario-id>")
		}
		if s.catalog == nil {
			return mode.Config{}, errors.New("no scenario catalog configured")
		}
		sc, ok := s.catalog.Get(args[1])
		if !ok {
			return mode.Config{}, fmt.Errorf("unknown scenario %q", args[1])
		}
		return mode.Config{Mode: m, Roleplay: sc.Roleplay()}, nil
	case types.ModeDebate:
		if len(args) < 3 {
			return mode.Config{}, errors.New("usage: mode debate <for|against> <topic…>")
		}
		topic, verdict := mode.NewTopic(strings.Join(args[2:], " "), mode.SourceCustom)
		if verdict.Rejected() {
			return mode.Config{}, fmt.Errorf("topic rejected: %s", strings.Join(verdict.Errors, "; "))
		}
		return mode.Config{Mode: m, Debate: mode.Debate{
			Topic:        topic,
			UserPosition: mode.Position(args[1]),
			Difficulty:   mode.InferDifficulty(topic.Normalized),
		}}, nil
	}
	return mode.Config{}, fmt.Errorf("unknown mode %q", args[0])
}

func (s *session) listScenarios(out io.Writer) {
	if s.catalog == nil {
		fmt.Fprintln(out, "no scenario catalog configured")
		return
	}
	for _, g := range s.catalog.Grouped() {
		fmt.Fprintf(out, "%s\n", g.Theme.Label)
		for _, sc := range g.Scenarios {
			fmt.Fprintf(out, "  %-16s %s\n", sc.ID, sc.Title)
		}
	}
}

// report prints err, if any, and reports whether it was nil.
func report(out io.Writer, err error) bool {
	if err == nil {
		return true
	}
	var te *turn.TurnError
	if errors.As(err, &te) {
		fmt.Fprintf(out, "error (%s): %s\n", te.Stage, te.Message)
	} else {
		fmt.Fprintf(out, "error: %v\n", err)
	}
	return false
}

// printer renders controller events on the terminal.
type printer struct {
	turn.NopObserver
	s *session
}

func (p printer) StateChanged(from, to turn.State) {
	slog.Debug("state", "from", from, "to", to)
}

func (p printer) Message(m types.Message) {
	fmt.Fprintf(p.s.out, "\n%s: %s\n", m.Role, m.Content)
}

func (p printer) Steps(ids []types.StepID) {
	fmt.Fprintf(p.s.out, "steps done: %v\n", ids)
	if p.s.ctrl != nil && p.s.ctrl.Modes().CanFinish() == nil {
		fmt.Fprintln(p.s.out, "every step is done, type goal to finish")
	}
}

func (p printer) Error(err *turn.TurnError) {
	fmt.Fprintf(p.s.out, "\nerror (%s): %s\n", err.Stage, err.Message)
}
