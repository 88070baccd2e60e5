// Command blockrecon matches engine output offline and inspects change
// histories, either from a history file or from a running server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"

	"github.com/boblangley/blockrecon/internal/config"
	"github.com/boblangley/blockrecon/internal/parser"
	"github.com/boblangley/blockrecon/internal/propagation"
	"github.com/boblangley/blockrecon/internal/reconcile"
	"github.com/boblangley/blockrecon/internal/server"
	"github.com/boblangley/blockrecon/internal/tracker"
	"github.com/boblangley/blockrecon/internal/types"
	"github.com/boblangley/blockrecon/internal/version"
)

// Globals are flags shared by every command.
type Globals struct {
	Config   string `help:"YAML engine configuration" type:"existingfile"`
	History  string `help:"Change history file (.jsonl or .jsonl.xz)" type:"path"`
	Server   string `help:"Query a running server over gRPC instead of the history file" placeholder:"HOST:PORT"`
	JSON     bool   `help:"Print JSON instead of tables"`
	LogLevel string `name:"log-level" help:"Log level" enum:"debug,info,warn,error" default:"warn"`

	out io.Writer
}

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Match     MatchCmd     `cmd:"" help:"Match engine output in an extraction directory against its reference"`
	History   HistoryCmd   `cmd:"" help:"Show the change history of one block"`
	Stats     StatsCmd     `cmd:"" help:"Show change statistics"`
	Rank      RankCmd      `cmd:"" help:"Rank sources by historical accuracy"`
	Compare   CompareCmd   `cmd:"" help:"Compare two sources"`
	Propagate PropagateCmd `cmd:"" help:"Trace the recalculations caused by a block's change"`
	Export    ExportCmd    `cmd:"" help:"Rewrite the history file, converting compression by extension"`
	Version   VersionCmd   `cmd:"" help:"Print version information"`
}

func (g *Globals) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

// service builds a local service, loading the history file when given.
func (g *Globals) service(ctx context.Context) (*reconcile.Service, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	logger, err := g.logger()
	if err != nil {
		return nil, err
	}
	svc := reconcile.New(reconcile.Config{
		Engine:  cfg,
		Tracker: tracker.New(tracker.WithLogger(logger)),
		Logger:  logger,
	})
	if g.History != "" {
		if _, err := svc.LoadHistories(ctx, g.History); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// remote dials the server given by --server.
func (g *Globals) remote() (*server.Client, error) {
	return server.Dial(g.Server)
}

func (g *Globals) printJSON(v any) error {
	enc := json.NewEncoder(g.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (g *Globals) table() *tabwriter.Writer {
	return tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
}

func requireHistory(g *Globals) error {
	if g.History == "" && g.Server == "" {
		return errors.New("--history or --server is required")
	}
	return nil
}

// MatchCmd runs the matcher over an extraction directory.
type MatchCmd struct {
	Dir     string `arg:"" help:"Extraction directory" type:"existingdir"`
	Engine  string `help:"Only report this engine"`
	Matches bool   `help:"List every match"`
	Save    bool   `help:"Baseline new reference blocks into the history file"`
}

func (c *MatchCmd) Run(g *Globals) error {
	ctx := context.Background()
	if c.Save && g.History == "" {
		return errors.New("--save needs --history")
	}

	doc, err := parser.LoadDirectory(c.Dir)
	if err != nil {
		return err
	}
	svc, err := g.service(ctx)
	if err != nil {
		return err
	}
	result, err := svc.Run(ctx, doc)
	if err != nil {
		return err
	}
	if c.Save {
		if err := svc.SaveHistories(g.History); err != nil {
			return err
		}
	}

	var engines []reconcile.EngineResult
	for _, e := range result.Engines {
		if c.Engine == "" || e.Engine == c.Engine {
			engines = append(engines, e)
		}
	}
	if c.Engine != "" && len(engines) == 0 {
		return fmt.Errorf("engine %q not found in %s", c.Engine, c.Dir)
	}
	if !c.Matches {
		for i := range engines {
			engines[i].Matches = nil
		}
	}

	if g.JSON {
		result.Engines = engines
		return g.printJSON(result)
	}

	tw := g.table()
	fmt.Fprintln(tw, "ENGINE\tCANDIDATES\tMATCHED\tUNMATCHED\tREFERENCES\tCOVERAGE")
	for _, e := range engines {
		s := e.Summary
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.1f%%\n",
			e.Engine, s.Candidates, s.Matched, s.Unmatched, s.ReferencesMatched, s.Coverage*100)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if c.Matches {
		tw = g.table()
		fmt.Fprintln(tw, "\nENGINE\tPAGE\tCANDIDATE\tREFERENCE\tTYPE\tSCORE\tIOU")
		for _, e := range engines {
			for _, m := range e.Matches {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%.3f\t%.3f\n",
					e.Engine, m.Page, m.CandidateBlockID, m.ReferenceBlockID, m.MatchType, m.SimilarityScore, m.BBoxSimilarity)
			}
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	fmt.Fprintf(g.out, "baselined %d block(s)\n", result.Baselined)
	return nil
}

// HistoryCmd prints one block's history.
type HistoryCmd struct {
	Block string `arg:"" help:"Block id"`
}

func (c *HistoryCmd) Run(g *Globals) error {
	if err := requireHistory(g); err != nil {
		return err
	}
	ctx := context.Background()

	var h types.ChangeHistory
	if g.Server != "" {
		client, err := g.remote()
		if err != nil {
			return err
		}
		defer client.Close()
		if h, err = client.History(ctx, c.Block); err != nil {
			return err
		}
	} else {
		svc, err := g.service(ctx)
		if err != nil {
			return err
		}
		var ok bool
		if h, ok = svc.Tracker().History(c.Block); !ok {
			return fmt.Errorf("block %q: %w", c.Block, reconcile.ErrUnknownBlock)
		}
	}

	if g.JSON {
		return g.printJSON(h)
	}
	tw := g.table()
	fmt.Fprintln(tw, "CHANGE\tTYPE\tTIME\tSOURCE\tTEXT")
	for _, ch := range h.All() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%q\n",
			ch.ChangeID, ch.ChangeType, ch.Timestamp.Format(time.RFC3339), ch.SourceAttribution.SourceID(true), ch.NewText)
	}
	return tw.Flush()
}

// StatsCmd prints tracker statistics.
type StatsCmd struct{}

func (c *StatsCmd) Run(g *Globals) error {
	if err := requireHistory(g); err != nil {
		return err
	}
	ctx := context.Background()

	var stats tracker.Statistics
	if g.Server != "" {
		client, err := g.remote()
		if err != nil {
			return err
		}
		defer client.Close()
		if stats, err = client.Statistics(ctx); err != nil {
			return err
		}
	} else {
		svc, err := g.service(ctx)
		if err != nil {
			return err
		}
		stats = svc.Tracker().Statistics()
	}

	if g.JSON {
		return g.printJSON(stats)
	}
	tw := g.table()
	fmt.Fprintf(tw, "blocks\t%d\n", stats.TotalBlocks)
	fmt.Fprintf(tw, "changes\t%d\n", stats.TotalChanges)
	fmt.Fprintf(tw, "blocks with overrides\t%d\n", stats.BlocksWithOverrides)
	fmt.Fprintf(tw, "blocks with recalculations\t%d\n", stats.BlocksWithRecalculations)
	kinds := make([]string, 0, len(stats.ChangesByType))
	for t := range stats.ChangesByType {
		kinds = append(kinds, t)
	}
	sort.Strings(kinds)
	for _, t := range kinds {
		fmt.Fprintf(tw, "  %s\t%d\n", t, stats.ChangesByType[t])
	}
	return tw.Flush()
}

// RankCmd prints the source ranking.
type RankCmd struct {
	IncludeConfig bool `help:"Treat each engine configuration as its own source"`
}

func (c *RankCmd) Run(g *Globals) error {
	if err := requireHistory(g); err != nil {
		return err
	}
	ctx := context.Background()

	var ranking []types.RankedSource
	if g.Server != "" {
		client, err := g.remote()
		if err != nil {
			return err
		}
		defer client.Close()
		if ranking, err = client.Rank(ctx, c.IncludeConfig); err != nil {
			return err
		}
	} else {
		svc, err := g.service(ctx)
		if err != nil {
			return err
		}
		ranking = svc.Rank(c.IncludeConfig).Sources
	}

	if g.JSON {
		return g.printJSON(ranking)
	}
	tw := g.table()
	fmt.Fprintln(tw, "RANK\tSOURCE\tSCORE\tAPPEARANCES\tSELECTION\tRESISTANCE\tFINAL")
	for _, r := range ranking {
		m := r.Metrics
		fmt.Fprintf(tw, "%d\t%s\t%.3f\t%d\t%.3f\t%.3f\t%.3f\n",
			r.Rank, m.SourceID, m.AccuracyScore, m.TotalAppearances, m.SelectionRate, m.OverrideResistance, m.FinalOutputRate)
	}
	return tw.Flush()
}

// CompareCmd compares two sources.
type CompareCmd struct {
	SourceA       string `arg:"" name:"source-a" help:"First source id"`
	SourceB       string `arg:"" name:"source-b" help:"Second source id"`
	IncludeConfig bool   `help:"Source ids include the configuration hash"`
}

func (c *CompareCmd) Run(g *Globals) error {
	if err := requireHistory(g); err != nil {
		return err
	}
	ctx := context.Background()

	var cmp types.SourceComparison
	if g.Server != "" {
		client, err := g.remote()
		if err != nil {
			return err
		}
		defer client.Close()
		if cmp, err = client.Compare(ctx, c.SourceA, c.SourceB, c.IncludeConfig); err != nil {
			return err
		}
	} else {
		svc, err := g.service(ctx)
		if err != nil {
			return err
		}
		if cmp, err = svc.Compare(c.SourceA, c.SourceB, c.IncludeConfig); err != nil {
			return err
		}
	}

	if g.JSON {
		return g.printJSON(cmp)
	}
	winner := cmp.Winner
	if winner == "" {
		winner = "tie"
	}
	tw := g.table()
	fmt.Fprintf(tw, "%s\t%.3f\n", cmp.SourceA, cmp.ScoreA)
	fmt.Fprintf(tw, "%s\t%.3f\n", cmp.SourceB, cmp.ScoreB)
	fmt.Fprintf(tw, "winner\t%s\n", winner)
	metrics := make([]string, 0, len(cmp.MetricDeltas))
	for m := range cmp.MetricDeltas {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)
	for _, m := range metrics {
		fmt.Fprintf(tw, "  %s\t%+.3f\n", m, cmp.MetricDeltas[m])
	}
	return tw.Flush()
}

// PropagateCmd traces a change's propagation.
type PropagateCmd struct {
	Block  string `arg:"" help:"Trigger block id"`
	Change string `help:"Trigger change id (default: the block's latest change)"`
	Dir    string `help:"Extraction directory whose reference layout defines neighbors (offline only)" type:"existingdir"`
}

func (c *PropagateCmd) Run(g *Globals) error {
	if err := requireHistory(g); err != nil {
		return err
	}
	ctx := context.Background()

	var chain types.PropagationChain
	if g.Server != "" {
		client, err := g.remote()
		if err != nil {
			return err
		}
		defer client.Close()
		if chain, err = client.Propagation(ctx, c.Block, c.Change); err != nil {
			return err
		}
	} else {
		if c.Dir == "" {
			return errors.New("--dir is required to derive neighbors offline")
		}
		svc, err := g.service(ctx)
		if err != nil {
			return err
		}
		doc, err := parser.LoadDirectory(c.Dir)
		if err != nil {
			return err
		}
		cfg, err := config.Load(g.Config)
		if err != nil {
			return err
		}
		svc.SetNeighbors(propagation.NeighborsFromLayout(doc.ReferenceBlocks(), cfg.Neighbors.Margin))
		if chain, err = svc.Propagate(ctx, c.Block, c.Change); err != nil {
			return err
		}
	}

	if g.JSON {
		return g.printJSON(chain)
	}
	fmt.Fprintf(g.out, "trigger %s (%s): %d block(s) affected, max depth %d, stopped naturally: %t\n",
		chain.TriggerBlockID, chain.TriggerChangeID, chain.TotalAffectedBlocks, chain.MaxPropagationDepth, chain.StoppedNaturally)
	tw := g.table()
	fmt.Fprintln(tw, "DEPTH\tBLOCK\tFROM\tMAGNITUDE\tEXCEEDED\tCHANGE")
	for _, s := range chain.PropagationSteps {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.3f\t%t\t%s\n",
			s.Depth, s.AffectedBlockID, s.SourceBlockID, s.ChangeMagnitude, s.ExceededThreshold, s.ChangeID)
	}
	return tw.Flush()
}

// ExportCmd rewrites the history file to another path.
type ExportCmd struct {
	Out string `required:"" help:"Output path; .xz compresses" type:"path"`
}

func (c *ExportCmd) Run(g *Globals) error {
	if g.History == "" {
		return errors.New("--history is required")
	}
	svc, err := g.service(context.Background())
	if err != nil {
		return err
	}
	if err := svc.SaveHistories(c.Out); err != nil {
		return err
	}
	fmt.Fprintf(g.out, "exported %d block(s) to %s\n", svc.Tracker().Len(), c.Out)
	return nil
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	fmt.Fprintf(g.out, "%s %s\n", version.Name, version.Version)
	return nil
}

func newParser(cli *CLI, out io.Writer) (*kong.Kong, error) {
	cli.out = out
	return kong.New(cli,
		kong.Name(version.Name),
		kong.Description("Block reconciliation and provenance tools"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Bind(&cli.Globals),
	)
}

func main() {
	var cli CLI
	k, err := newParser(&cli, os.Stdout)
	if err != nil {
		panic(err)
	}
	ctx, err := k.Parse(os.Args[1:])
	k.FatalIfErrorf(err)
	ctx.FatalIfErrorf(ctx.Run())
}
