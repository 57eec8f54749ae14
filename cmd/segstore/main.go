// Package main implements the segstore CLI for creating, inspecting, and
// manipulating a local segstore repository from the command line.
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/segstore/segstore/internal/config"
	"github.com/segstore/segstore/internal/obs"
	"github.com/segstore/segstore/internal/repo"
	"github.com/segstore/segstore/internal/wal"
)

func main() {
	obs.Init(envOr("SEGSTORE_LOG_LEVEL", "info"))

	root := &cobra.Command{
		Use:   "segstore",
		Short: "segstore: a local, transactional, content-addressed key-value store",
	}
	root.PersistentFlags().String("repo", envOr("SEGSTORE_REPO", "."), "repository path")
	root.PersistentFlags().Duration("lock-timeout", repo.DefaultLockTimeout, "lock acquisition timeout")

	root.AddCommand(
		newCreateCmd(),
		newCheckCmd(),
		newPutCmd(),
		newGetCmd(),
		newDeleteCmd(),
		newListCmd(),
		newInfoCmd(),
		newBreakLockCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func repoPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("repo")
	return p
}

func lockTimeout(cmd *cobra.Command) time.Duration {
	d, _ := cmd.Flags().GetDuration("lock-timeout")
	return d
}

func openRepo(cmd *cobra.Command, exclusive bool) (*repo.Repository, error) {
	return repo.Open(repoPath(cmd), exclusive, lockTimeout(cmd))
}

func parseKey(s string) (wal.Key, error) {
	var key wal.Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("key must be %d hex bytes: %w", wal.KeySize, err)
	}
	if len(b) != wal.KeySize {
		return key, fmt.Errorf("key must be exactly %d bytes, got %d", wal.KeySize, len(b))
	}
	copy(key[:], b)
	return key, nil
}

func newCreateCmd() *cobra.Command {
	var appendOnly bool
	var segmentsPerDir uint64
	var maxSegmentSize int64

	cmd := &cobra.Command{
		Use:   "create",
		Short: "create a new repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			return repo.Create(repoPath(cmd), appendOnly, segmentsPerDir, maxSegmentSize)
		},
	}
	cmd.Flags().BoolVar(&appendOnly, "append-only", false, "create an append-only repository")
	cmd.Flags().Uint64Var(&segmentsPerDir, "segments-per-dir", config.DefaultSegmentsPerDir, "segments per data subdirectory")
	cmd.Flags().Int64Var(&maxSegmentSize, "max-segment-size", config.DefaultMaxSegmentSize, "max bytes per segment file")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var repair, saveSpace bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "verify (and optionally repair) repository integrity",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd, repair)
			if err != nil {
				return err
			}
			defer func() { _ = r.Close() }()

			report, err := r.Check(repair, saveSpace)
			if err != nil {
				return err
			}
			for _, msg := range report.Errors {
				fmt.Fprintln(os.Stderr, msg)
			}
			if !report.OK {
				os.Exit(1)
			}
			fmt.Println("OK")
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "rewrite corrupt segments and rebuild the index")
	cmd.Flags().BoolVar(&saveSpace, "save-space", false, "sub-commit and free reclaimed segments whenever a compaction destination segment fills up")
	return cmd
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <hex-key> <file>",
		Short: "write a value read from file (use - for stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			var value []byte
			if args[1] == "-" {
				value, err = io.ReadAll(os.Stdin)
			} else {
				value, err = os.ReadFile(args[1])
			}
			if err != nil {
				return err
			}

			r, err := openRepo(cmd, true)
			if err != nil {
				return err
			}
			defer func() { _ = r.Close() }()

			if err := r.Put(key, value); err != nil {
				return err
			}
			return r.Commit(false)
		},
	}
	return cmd
}

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <hex-key>",
		Short: "print a value to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			r, err := openRepo(cmd, false)
			if err != nil {
				return err
			}
			defer func() { _ = r.Close() }()

			value, err := r.Get(key)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(value)
			return err
		},
	}
	return cmd
}

func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <hex-key>",
		Short: "delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			r, err := openRepo(cmd, true)
			if err != nil {
				return err
			}
			defer func() { _ = r.Close() }()

			if err := r.Delete(key); err != nil {
				return err
			}
			return r.Commit(false)
		},
	}
	return cmd
}

func newListCmd() *cobra.Command {
	var limit int
	var marker string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list keys in ascending order",
		RunE: func(cmd *cobra.Command, args []string) error {
			var markerKey *wal.Key
			if marker != "" {
				k, err := parseKey(marker)
				if err != nil {
					return err
				}
				markerKey = &k
			}

			r, err := openRepo(cmd, false)
			if err != nil {
				return err
			}
			defer func() { _ = r.Close() }()

			keys, err := r.List(markerKey, limit)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Println(hex.EncodeToString(k[:]))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of keys to return (0 = unbounded)")
	cmd.Flags().StringVar(&marker, "marker", "", "resume listing at this hex key")
	return cmd
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "print repository metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd, false)
			if err != nil {
				return err
			}
			defer func() { _ = r.Close() }()

			n, err := r.Len()
			if err != nil {
				return err
			}
			fmt.Printf("keys: %d\n", n)
			return nil
		},
	}
}

func newBreakLockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "break-lock",
		Short: "forcibly clear a stale lock (operator action, use with care)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return repo.BreakLock(repoPath(cmd))
		},
	}
}
