// Command crv is a thin, in-process front end over the depot core: the pack
// store, the metadata store, the tree reconstructor, and the submit
// coordinator. Unlike a client of a networked depot, it opens the depot's
// on-disk state directly — there is no edge daemon or hive service here,
// only the core the rest of a fuller CRV deployment would sit behind.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chronoverse/crv/internal/chunking"
	"github.com/chronoverse/crv/internal/depot"
	"github.com/chronoverse/crv/internal/home"
	"github.com/chronoverse/crv/internal/logging"
	"github.com/chronoverse/crv/internal/metadata"
	"github.com/chronoverse/crv/internal/metadatastore"
	"github.com/chronoverse/crv/internal/repository"
	"github.com/chronoverse/crv/internal/submit"
	"github.com/chronoverse/crv/internal/tree"
	"github.com/chronoverse/crv/internal/wal"

	"github.com/spf13/cobra"
)

var version = "dev"

// core bundles one open depot's live components. It owns the metadata
// store's and recovery log's file handles; callers must Close it.
type core struct {
	packs     *repository.Manager
	meta      *metadatastore.Store
	depot     *depot.State
	recovery  *wal.Log
	submitter *submit.Coordinator
}

func openCore(hd home.Dir, logger *slog.Logger) (*core, error) {
	if err := hd.EnsureExists(); err != nil {
		return nil, err
	}

	packs, err := repository.Open(hd.PackRoot(), repository.Limits{}, logger)
	if err != nil {
		return nil, fmt.Errorf("open pack store: %w", err)
	}

	meta, err := metadatastore.Open(hd.MetadataPath())
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	recovery, err := wal.Open(hd.RecoveryLogPath())
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("open recovery log: %w", err)
	}

	d := depot.New()
	coordinator := submit.New(packs, meta, meta, d, recovery, logger)

	return &core{packs: packs, meta: meta, depot: d, recovery: recovery, submitter: coordinator}, nil
}

func (c *core) Close() error {
	if err := c.recovery.Close(); err != nil {
		c.meta.Close()
		return err
	}
	return c.meta.Close()
}

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "crv",
		Short: "Chronoverse depot core CLI",
	}
	rootCmd.PersistentFlags().String("home", "", "depot home directory (default: platform config dir)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newInitCmd(logger),
		newBranchCmd(logger),
		newTreeCmd(logger),
		newSubmitCmd(logger),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveHome(cmd *cobra.Command) (home.Dir, error) {
	flagValue, _ := cmd.Flags().GetString("home")
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func newInitCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the depot home directory layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			hd, err := resolveHome(cmd)
			if err != nil {
				return err
			}
			if err := hd.EnsureExists(); err != nil {
				return err
			}
			logger.Info("depot home initialized", "path", hd.Root())
			return nil
		},
	}
}

func newBranchCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Manage branches",
	}
	cmd.AddCommand(newBranchCreateCmd(logger))
	return cmd
}

func newBranchCreateCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "create <branch-id>",
		Short: "Create a new, empty branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hd, err := resolveHome(cmd)
			if err != nil {
				return err
			}
			c, err := openCore(hd, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			branchID := args[0]
			existing, err := c.meta.GetBranch(branchID)
			if err != nil {
				return err
			}
			if existing != nil {
				return fmt.Errorf("branch %s already exists", branchID)
			}
			if err := c.meta.PutBranch(metadataBranch(branchID)); err != nil {
				return err
			}
			logger.Info("branch created", "branch", branchID)
			return nil
		},
	}
}

func newTreeCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree <branch> [wildcard] [changelist]",
		Short: "Print a branch's file tree as of a changelist",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			hd, err := resolveHome(cmd)
			if err != nil {
				return err
			}
			c, err := openCore(hd, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			branchID := args[0]
			wildcard := "//..."
			if len(args) > 1 {
				wildcard = args[1]
			}

			branch, err := c.meta.GetBranch(branchID)
			if err != nil {
				return err
			}
			if branch == nil {
				return fmt.Errorf("branch %s not found", branchID)
			}
			changelistID := branch.HeadChangelistID
			if len(args) > 2 {
				changelistID = args[2]
			}
			if changelistID == "" {
				fmt.Println("(empty branch)")
				return nil
			}

			ft, err := c.depot.GetOrConstructFileTree(branchID, wildcard, changelistID, c.meta)
			if err != nil {
				return err
			}
			printTreeNode(ft.Root, "")
			return nil
		},
	}
	return cmd
}

func printTreeNode(node tree.FileTreeNode, prefix string) {
	for _, child := range node.Children {
		if child.Kind == tree.KindDirectory {
			fmt.Printf("%s%s/\n", prefix, child.Name)
			printTreeNode(child, prefix+"  ")
		} else {
			fmt.Printf("%s%s (%d bytes, rev %s)\n", prefix, child.Name, child.Size, child.RevisionID)
		}
	}
}

func newSubmitCmd(logger *slog.Logger) *cobra.Command {
	var author string
	cmd := &cobra.Command{
		Use:   "submit <branch> <depot-path> <local-file>",
		Short: "Submit a single local file's contents to a depot path",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			hd, err := resolveHome(cmd)
			if err != nil {
				return err
			}
			c, err := openCore(hd, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			result, err := submitFile(c, args[0], args[1], args[2], author)
			if err != nil {
				return err
			}
			fmt.Printf("changelist %s committed at %s\n", result.ChangelistID, result.CommittedAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&author, "author", "cli", "submit author")
	return cmd
}

func metadataBranch(branchID string) metadata.BranchDoc {
	return metadata.BranchDoc{ID: branchID, CreatedAt: time.Now()}
}

// submitFile chunks localPath and drives a full launch/upload/commit cycle
// against depotPath on branchID. It exists to exercise the submit
// coordinator end to end from a single command; a real client would stream
// chunks concurrently rather than sequentially.
func submitFile(c *core, branchID, depotPath, localPath, author string) (submit.CommitResult, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return submit.CommitResult{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return submit.CommitResult{}, err
	}

	chunks, err := chunking.New(chunking.Config{}).Split(f, info.Size())
	if err != nil {
		return submit.CommitResult{}, fmt.Errorf("chunk %s: %w", localPath, err)
	}

	binaryID := make([]string, len(chunks))
	for i, ch := range chunks {
		binaryID[i] = fmt.Sprintf("%x", ch.Hash)
	}

	ticketID, err := c.submitter.LaunchSubmit(branchID, author, []submit.FileSubmission{
		{DepotPath: depotPath, BinaryID: binaryID, Size: info.Size()},
	}, 5*time.Minute)
	if err != nil {
		return submit.CommitResult{}, fmt.Errorf("launch submit: %w", err)
	}

	for _, ch := range chunks {
		hash := fmt.Sprintf("%x", ch.Hash)
		if _, err := c.submitter.UploadChunk(ticketID, hash, 0, uint32(len(ch.Payload)), ch.Payload); err != nil {
			c.submitter.Abort(ticketID)
			return submit.CommitResult{}, fmt.Errorf("upload chunk %s: %w", hash, err)
		}
	}

	result, err := c.submitter.Commit(ticketID)
	if err != nil {
		return submit.CommitResult{}, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}
