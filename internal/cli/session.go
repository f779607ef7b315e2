package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/threadkeep/internal/ir"
	"github.com/roach88/threadkeep/internal/memory/archive"
	"github.com/roach88/threadkeep/internal/memory/contextload"
	"github.com/roach88/threadkeep/internal/memory/hot"
	"github.com/roach88/threadkeep/internal/session"
)

// NewSessionCommand creates the session command group.
func NewSessionCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Drive agent memory: replay a transcript or load a context bundle",
	}
	cmd.AddCommand(newSessionRunCommand(opts))
	cmd.AddCommand(newSessionContextCommand(opts))
	return cmd
}

// SessionReport is the outcome of session run.
type SessionReport struct {
	ConversationID string              `json:"conversation_id"`
	Messages       int                 `json:"messages"`
	Segments       int                 `json:"segments"`
	Context        *contextload.Bundle `json:"context,omitempty"`
	Archive        *archive.Result     `json:"archive,omitempty"`
	WarmSnapshot   *ir.ColdEntry       `json:"warm_snapshot,omitempty"`
}

func newSessionRunCommand(opts *RootOptions) *cobra.Command {
	var (
		start     session.StartRequest
		owner     string
		discard   bool
		summary   bool
		decisions bool
		snapshot  bool
	)
	cmd := &cobra.Command{
		Use:   "run <transcript|->",
		Short: "Replay a transcript through hot memory and archive it",
		Long: `Start a session, feed it every "role: content" line of the transcript,
then end it. Overflowing hot memory is archived to cold storage as it goes;
at the end the whole conversation is archived and summarized into warm
memory unless --no-archive is set, in which case the conversation is frozen.
--snapshot-warm also copies the owner's warm memory to cold storage.

Example:
  threadkeep session run chat.txt --identity user:alice --agent planner --owner user:alice --preload`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := parseOwner(owner)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --owner", err)
			}
			start.Owner = o
			msgs, err := readTranscript(cmd.InOrStdin(), args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read transcript", err)
			}
			return runAs(opts, cmd, func(ctx context.Context, a *app, p ir.Principal, out *OutputFormatter) error {
				started, err := a.sessions.Start(ctx, p, start)
				if err != nil {
					return out.Fail("session start", err)
				}
				report := SessionReport{
					ConversationID: started.Conversation.ID,
					Context:        started.Context,
				}
				mem := started.Memory
				for _, m := range msgs {
					if mem, err = a.sessions.AddMessage(ctx, start.AgentID, m.Role, m.Content, hot.EstimateTokens(m.Content)); err != nil {
						return out.Fail("session message", err)
					}
				}
				report.Messages = len(msgs)
				report.Segments = mem.Segments

				ended, err := a.sessions.End(ctx, p, session.EndRequest{
					AgentID:          start.AgentID,
					Archive:          !discard,
					GenerateSummary:  summary,
					ExtractDecisions: decisions,
					SnapshotWarm:     snapshot,
				})
				if err != nil {
					return out.Fail("session end", err)
				}
				report.Archive = ended.Result
				report.WarmSnapshot = ended.WarmSnapshot
				return out.Emit(report, func(w io.Writer) { writeSessionReport(w, report) })
			})
		},
	}
	cmd.Flags().StringVar(&start.AgentID, "agent", "", "agent id (required)")
	cmd.Flags().StringVar(&owner, "owner", "", "memory owner as user:<id> or agent:<id> (required)")
	cmd.Flags().StringVar(&start.ThreadID, "thread", "", "thread the conversation belongs to")
	cmd.Flags().StringVar(&start.Scope, "scope", "", "conversation scope")
	cmd.Flags().BoolVar(&start.Preload, "preload", false, "load a context bundle from warm memory first")
	cmd.Flags().StringVar(&start.Query, "query", "", "relevance query for the preload")
	cmd.Flags().BoolVar(&start.IncludeColdRefs, "cold-refs", false, "attach cold references to the preload")
	cmd.Flags().BoolVar(&discard, "no-archive", false, "discard hot memory and freeze the conversation")
	cmd.Flags().BoolVar(&snapshot, "snapshot-warm", false, "copy the owner's warm memory to cold storage at the end")
	cmd.Flags().BoolVar(&summary, "summary", true, "summarize into warm memory when archiving")
	cmd.Flags().BoolVar(&decisions, "decisions", true, "extract decisions when archiving")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newSessionContextCommand(opts *RootOptions) *cobra.Command {
	var (
		req   contextload.Request
		owner string
	)
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Print the context bundle a new session would start from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := parseOwner(owner)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --owner", err)
			}
			req.Owner = o
			return runAs(opts, cmd, func(ctx context.Context, a *app, p ir.Principal, out *OutputFormatter) error {
				bundle, err := a.loader.LoadContext(ctx, p, req)
				if err != nil {
					return out.Fail("session context", err)
				}
				return out.Emit(bundle, func(w io.Writer) { fmt.Fprint(w, bundle.Render()) })
			})
		},
	}
	cmd.Flags().StringVar(&req.AgentID, "agent", "", "agent id (required)")
	cmd.Flags().StringVar(&owner, "owner", "", "memory owner as user:<id> or agent:<id> (required)")
	cmd.Flags().StringVar(&req.Query, "query", "", "relevance query")
	cmd.Flags().Float64Var(&req.RelevanceThreshold, "threshold", 0, "minimum summary score")
	cmd.Flags().IntVar(&req.MaxSummaries, "max-summaries", contextload.DefaultMaxSummaries, "summary bound")
	cmd.Flags().IntVar(&req.MaxDecisions, "max-decisions", contextload.DefaultMaxDecisions, "decision bound")
	cmd.Flags().BoolVar(&req.IncludeColdRefs, "cold-refs", false, "attach cold references")
	cmd.Flags().IntVar(&req.MaxColdRefs, "max-cold-refs", contextload.DefaultMaxColdRefs, "cold reference bound")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

// readTranscript reads "role: content" lines from path, or stdin for "-".
// Blank lines and lines starting with # are skipped.
func readTranscript(stdin io.Reader, path string) ([]ir.Message, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var msgs []ir.Message
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		role, content, ok := strings.Cut(line, ":")
		role = strings.ToLower(strings.TrimSpace(role))
		if !ok || (role != ir.RoleUser && role != ir.RoleAssistant) {
			return nil, fmt.Errorf("line %d: want \"user: ...\" or \"assistant: ...\"", n)
		}
		msgs = append(msgs, ir.Message{Role: role, Content: strings.TrimSpace(content)})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("transcript has no messages")
	}
	return msgs, nil
}

func writeSessionReport(w io.Writer, r SessionReport) {
	fmt.Fprintf(w, "conversation %s: %d message(s), %d overflow segment(s)\n", r.ConversationID, r.Messages, r.Segments)
	if r.Context != nil {
		fmt.Fprintf(w, "preloaded %d summaries, %d cold reference(s)\n", len(r.Context.Summaries), len(r.Context.ColdRefs))
	}
	if r.Archive == nil {
		fmt.Fprintln(w, "hot memory discarded; conversation frozen")
	} else {
		fmt.Fprintf(w, "archived to %s (compression %.2f)\n", r.Archive.ColdEntryID, r.Archive.CompressionRatio)
		if r.Archive.SummaryID != "" {
			fmt.Fprintf(w, "summary %s, %d decision(s)\n", r.Archive.SummaryID, len(r.Archive.DecisionIDs))
		}
		for _, g := range r.Archive.Gaps {
			fmt.Fprintf(w, "enrichment gap: %s (will be retried by serve)\n", g)
		}
	}
	if r.WarmSnapshot != nil {
		fmt.Fprintf(w, "warm memory snapshot %s\n", r.WarmSnapshot.ID)
	}
}
