package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"riacouncil/internal/corpus"
	"riacouncil/internal/council"
	"riacouncil/internal/embedding"
	"riacouncil/internal/gateway"
	"riacouncil/internal/graph"
	"riacouncil/internal/retrieval"
	"riacouncil/internal/review"
	"riacouncil/internal/store"
	"riacouncil/internal/vectorstore"
	"riacouncil/internal/workflow"
)

// engineSet bundles the assembled subsystems for a command invocation.
type engineSet struct {
	db       *store.DB
	vector   *vectorstore.Store
	graph    *graph.Graph
	workflow *workflow.Engine
}

// buildEngines assembles the full stack from config, loading persisted
// store blobs when present.
func buildEngines() (*engineSet, error) {
	embedder, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		return nil, err
	}

	vector := vectorstore.New(embedder)
	if _, err := os.Stat(cfg.VectorStorePath); err == nil {
		if err := vector.Load(cfg.VectorStorePath); err != nil {
			return nil, err
		}
	}

	g := graph.New()
	if _, err := os.Stat(cfg.GraphPath); err == nil {
		if err := g.Load(cfg.GraphPath); err != nil {
			return nil, err
		}
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	client := gateway.NewHTTPClient(cfg.Gateway)
	councilEngine, err := council.NewEngine(client, cfg.Council)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	reviews := review.NewStore(db, cfg.SLAConfig())
	retriever := retrieval.NewOrchestrator(vector, g, cfg.Retrieval)
	wf := workflow.NewEngine(cfg.Workflow, db, reviews, retriever, councilEngine, vector, g)

	return &engineSet{db: db, vector: vector, graph: g, workflow: wf}, nil
}

func (s *engineSet) close() {
	_ = s.db.Close()
}

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <chunks.jsonl>",
		Short: "Ingest corpus chunks into the vector store and knowledge graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engines, err := buildEngines()
			if err != nil {
				return err
			}
			defer engines.close()

			chunks, err := corpus.LoadJSONLFile(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := engines.vector.Add(ctx, chunks); err != nil {
				return err
			}
			if err := engines.graph.BuildFromChunks(chunks); err != nil {
				return err
			}
			if err := engines.vector.Persist(cfg.VectorStorePath); err != nil {
				return err
			}
			if err := engines.graph.Persist(cfg.GraphPath); err != nil {
				return err
			}

			fmt.Printf("ingested %d chunks (store now holds %d)\n", len(chunks), engines.vector.Len())
			return nil
		},
	}
}

func newAssessCmd() *cobra.Command {
	var proposalFile string
	var jurisdiction string
	var follow bool

	cmd := &cobra.Command{
		Use:   "assess [proposal text]",
		Short: "Submit a proposal and run the assessment workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			var proposal string
			switch {
			case proposalFile != "":
				raw, err := os.ReadFile(proposalFile)
				if err != nil {
					return err
				}
				proposal = string(raw)
			case len(args) > 0:
				proposal = strings.Join(args, " ")
			default:
				return fmt.Errorf("provide proposal text or --file")
			}

			engines, err := buildEngines()
			if err != nil {
				return err
			}
			defer engines.close()

			var filter vectorstore.Filter
			if jurisdiction != "" {
				filter = vectorstore.Filter{"jurisdiction": jurisdiction}
			}

			id, err := engines.workflow.CreateAssessment(proposal, filter)
			if err != nil {
				var verr *workflow.ValidationError
				if errors.As(err, &verr) {
					fmt.Fprintf(os.Stderr, "rejected: %s\n", verr.Guidance)
					for _, ex := range verr.Examples {
						fmt.Fprintf(os.Stderr, "  example: %s\n", ex)
					}
				}
				return err
			}
			fmt.Printf("assessment %s created\n", id)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			done := make(chan error, 1)
			go func() { done <- engines.workflow.Run(ctx, id) }()

			if follow {
				// The run loop registers its event stream asynchronously.
				var events <-chan workflow.Event
				for i := 0; i < 50; i++ {
					if ev, err := engines.workflow.Subscribe(id); err == nil {
						events = ev
						break
					}
					time.Sleep(10 * time.Millisecond)
				}
				if events != nil {
					for ev := range events {
						fmt.Printf("[%s] %s %s\n", ev.Type, ev.Stage, ev.Node)
					}
				}
			}
			return <-done
		},
	}

	cmd.Flags().StringVarP(&proposalFile, "file", "f", "", "read proposal text from file")
	cmd.Flags().StringVarP(&jurisdiction, "jurisdiction", "j", "", "restrict retrieval to a jurisdiction")
	cmd.Flags().BoolVar(&follow, "follow", true, "stream progress events")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <assessment-id>",
		Short: "Show an assessment's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engines, err := buildEngines()
			if err != nil {
				return err
			}
			defer engines.close()

			state, err := engines.workflow.GetStatus(args[0])
			if err != nil {
				return err
			}
			fmt.Println(state)
			return nil
		},
	}
}

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <assessment-id>",
		Short: "Print an assessment's structured report as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engines, err := buildEngines()
			if err != nil {
				return err
			}
			defer engines.close()

			rep, err := engines.workflow.GetReport(args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(rep, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func newReviewCmd() *cobra.Command {
	var reviewType string
	var comments string
	var feedback string
	var reviewer string

	cmd := &cobra.Command{
		Use:   "review <assessment-id> <approve|request_revision|reject|edit>",
		Short: "Submit a review decision for an assessment awaiting review",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engines, err := buildEngines()
			if err != nil {
				return err
			}
			defer engines.close()

			return engines.workflow.Review(args[0], review.Type(reviewType), review.Decision{
				Action:           review.Action(args[1]),
				Comments:         comments,
				ReviewerID:       reviewer,
				RevisionFeedback: feedback,
				ReviewedAt:       time.Now().UTC(),
			})
		},
	}

	cmd.Flags().StringVarP(&reviewType, "type", "t", string(review.TypeSynthesis), "review type: synthesis or report")
	cmd.Flags().StringVarP(&comments, "comments", "m", "", "reviewer comments")
	cmd.Flags().StringVar(&feedback, "feedback", "", "revision feedback for request_revision")
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer id")
	return cmd
}

func newListCmd() *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assessments",
		RunE: func(cmd *cobra.Command, args []string) error {
			engines, err := buildEngines()
			if err != nil {
				return err
			}
			defer engines.close()

			summaries, err := engines.workflow.List(workflow.State(state))
			if err != nil {
				return err
			}
			for _, s := range summaries {
				fmt.Printf("%s  %-28s  %s\n", s.ID, s.State, s.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&state, "state", "s", "", "filter by state")
	return cmd
}

