package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/polychat/internal/session"
)

var (
	chatConversation string
	chatPlain        bool
	chatWeb          bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with the selected model",
	Long: `Send a message and stream the answer.

With a message argument (or when stdin is not a terminal) the answer is
printed as it streams and the command exits. Without one an interactive
chat opens; Ctrl+C cancels a streaming answer, Esc or Ctrl+C quits when idle.

Examples:
  polychat chat "Explain the CAP theorem"
  polychat chat -c 3f2a... "And how does Raft relate?"
  polychat chat --web "When is the tax filing deadline?"
  echo "summarize this" | polychat chat
  polychat chat`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatConversation, "conversation", "c", "", "continue an existing conversation")
	chatCmd.Flags().BoolVar(&chatPlain, "plain", false, "disable the interactive UI")
	chatCmd.Flags().BoolVar(&chatWeb, "web", false, "ground this session with web search")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	orch := application.Session
	if cmd.Flags().Changed("web") {
		if err := orch.SetWebGrounding(ctx, chatWeb); err != nil {
			return err
		}
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
	text := strings.Join(args, " ")
	if text == "" && !interactive {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = string(raw)
	}

	if text != "" || chatPlain || !interactive {
		if strings.TrimSpace(text) == "" {
			return errors.New("nothing to send")
		}
		return streamPlain(ctx, cmd.OutOrStdout(), orch, chatConversation, text)
	}
	return runChatUI(ctx, orch, chatConversation)
}

// streamPlain sends one turn and prints the answer as it grows.
func streamPlain(ctx context.Context, w io.Writer, orch *session.Orchestrator, convID, text string) error {
	pw := &plainWriter{w: w, convID: convID}
	unsubscribe := orch.Subscribe(pw.observe)
	msg, err := orch.SendTurn(ctx, convID, text)
	unsubscribe()
	pw.finish()

	if err != nil {
		if errors.Is(err, session.ErrCancelled) {
			fmt.Fprintln(w, "\n(cancelled)")
			return nil
		}
		return err
	}
	if msg.Export != nil {
		fmt.Fprintf(w, "Export queued: %s\n", msg.Export.Path)
	}
	if convID == "" {
		fmt.Fprintf(os.Stderr, "conversation: %s\n", msg.ConversationID)
	}
	return nil
}

// plainWriter prints the unseen suffix of the accumulated answer and any
// new notices.
type plainWriter struct {
	w      io.Writer
	convID string

	mu       sync.Mutex
	printed  int
	lastSeq  int64
	wroteAny bool
}

func (p *plainWriter) observe(st session.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, n := range st.Notices {
		if n.Seq > p.lastSeq {
			p.lastSeq = n.Seq
			if n.Level != session.NoticeError {
				fmt.Fprintf(os.Stderr, "[%s] %s\n", n.Level, n.Text)
			}
		}
	}

	turn, ok := currentTurn(st, p.convID)
	if !ok || turn.Phase != session.PhaseStreaming {
		return
	}
	if p.convID == "" {
		p.convID = turn.ConversationID
	}
	if len(turn.Text) > p.printed {
		fmt.Fprint(p.w, turn.Text[p.printed:])
		p.printed = len(turn.Text)
		p.wroteAny = true
	}
}

func (p *plainWriter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wroteAny {
		fmt.Fprintln(p.w)
	}
}

// currentTurn finds the turn for convID. A new conversation has no id until
// the turn completes, so the only turn in flight is used instead.
func currentTurn(st session.State, convID string) (session.TurnState, bool) {
	if convID != "" {
		t, ok := st.Turns[convID]
		return t, ok
	}
	for _, t := range st.Turns {
		return t, true
	}
	return session.TurnState{}, false
}
