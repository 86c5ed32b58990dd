// Command dedupe is a CLI front-end for the dedupe library, backed by a
// filesystem directory acting as the external chunk store.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/saworbit/dedupe"
	"github.com/saworbit/dedupe/internal/fschunkstore"
	"github.com/saworbit/dedupe/pkg/config"
	"github.com/spf13/cobra"
)

var (
	indexPath string
	chunksDir string
	container string
	poolMode  bool
	debugLogs bool
)

func logDebug(format string, args ...interface{}) {
	if !debugLogs {
		return
	}
	log.Printf("[debug] "+format, args...)
}

func openLibrary() (*dedupe.Library, error) {
	store, err := fschunkstore.New(chunksDir)
	if err != nil {
		return nil, fmt.Errorf("opening chunk directory %q: %w", chunksDir, err)
	}
	lib, err := dedupe.OpenIndex(indexPath, store)
	if err != nil {
		return nil, fmt.Errorf("opening index %q: %w", indexPath, err)
	}
	return lib, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "dedupe",
		Short: "Content-addressed deduplication index over a filesystem chunk store",
		Long: `dedupe manages a content-addressed deduplication index.

Objects are split into content-defined chunks and recorded in a
persistent index; chunk bytes themselves live in the directory given by
--chunks, one file per chunk key.`,
	}
	rootCmd.PersistentFlags().StringVar(&indexPath, "index", "./dedupe-index", "Path to the index directory")
	rootCmd.PersistentFlags().StringVar(&chunksDir, "chunks", "./dedupe-chunks", "Directory acting as the external chunk store")
	rootCmd.PersistentFlags().BoolVar(&debugLogs, "debug", false, "Enable verbose debug logging")

	rootCmd.AddCommand(
		newCreateCmd(),
		newStoreCmd(),
		newRetrieveCmd(),
		newDeleteCmd(),
		newListCmd(),
		newExistsCmd(),
		newStatsCmd(),
		newVerifyCmd(),
		newContainerCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func newCreateCmd() *cobra.Command {
	var (
		minSize      int
		maxSize      int
		shiftCount   int
		boundaryBits int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if cmd.Flags().Changed("min-size") {
				cfg.MinChunkSize = minSize
			}
			if cmd.Flags().Changed("max-size") {
				cfg.MaxChunkSize = maxSize
			}
			if cmd.Flags().Changed("shift") {
				cfg.ShiftCount = shiftCount
			}
			if cmd.Flags().Changed("boundary-bytes") {
				cfg.BoundaryCheckBytes = boundaryBits
			}
			cfg.IndexPerObject = poolMode

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if warning := cfg.ShiftWarning(); warning != "" {
				log.Printf("[dedupe] warning: %s", warning)
			}

			store, err := fschunkstore.New(chunksDir)
			if err != nil {
				return err
			}
			lib, err := dedupe.CreateIndex(indexPath, *cfg, store)
			if err != nil {
				return err
			}
			defer lib.Close()

			logDebug("created index at %s (pool mode: %v)", indexPath, poolMode)
			fmt.Printf("created index at %s\n", indexPath)
			return nil
		},
	}
	cmd.Flags().IntVar(&minSize, "min-size", 0, "Minimum chunk size in bytes")
	cmd.Flags().IntVar(&maxSize, "max-size", 0, "Maximum chunk size in bytes")
	cmd.Flags().IntVar(&shiftCount, "shift", 0, "Sliding window shift count")
	cmd.Flags().IntVar(&boundaryBits, "boundary-bytes", 0, "Zero-prefix bytes required for a boundary match")
	cmd.Flags().BoolVar(&poolMode, "pool", false, "Create a pool (per-container) index instead of a flat index")
	return cmd
}

func newStoreCmd() *cobra.Command {
	var (
		name    string
		replace bool
		stream  bool
	)
	cmd := &cobra.Command{
		Use:   "store <file>",
		Short: "Store a file under an object name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				name = args[0]
			}

			lib, err := openLibrary()
			if err != nil {
				return err
			}
			defer lib.Close()

			var keys []string
			if stream {
				keys, err = storeStreamFile(lib, args[0], name, replace)
			} else {
				var data []byte
				data, err = os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("reading %q: %w", args[0], err)
				}
				switch {
				case container != "" && replace:
					keys, err = lib.StoreOrReplaceObjectIn(container, name, data)
				case container != "":
					keys, err = lib.StoreObjectIn(container, name, data)
				case replace:
					keys, err = lib.StoreOrReplaceObject(name, data)
				default:
					keys, err = lib.StoreObject(name, data)
				}
			}
			if err != nil {
				return err
			}
			fmt.Printf("stored %q as %d chunk(s)\n", name, len(keys))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Object name (defaults to the file path)")
	cmd.Flags().BoolVar(&replace, "replace", false, "Replace an existing object of the same name")
	cmd.Flags().BoolVar(&stream, "stream", false, "Chunk and store the file incrementally instead of loading it whole")
	cmd.Flags().StringVar(&container, "container", "", "Container name (pool mode only)")
	return cmd
}

// storeStreamFile drives StoreObjectStream/StoreOrReplaceObjectStream
// (per SPEC_FULL.md §4.5) against an open file handle, the CLI's one
// real streaming source.
func storeStreamFile(lib *dedupe.Library, path, name string, replace bool) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", path, err)
	}

	switch {
	case container != "" && replace:
		return lib.StoreOrReplaceObjectStreamIn(container, name, f, uint64(info.Size()))
	case container != "":
		return lib.StoreObjectStreamIn(container, name, f, uint64(info.Size()))
	case replace:
		return lib.StoreOrReplaceObjectStream(name, f, uint64(info.Size()))
	default:
		return lib.StoreObjectStream(name, f, uint64(info.Size()))
	}
}

func newRetrieveCmd() *cobra.Command {
	var (
		output string
		stream bool
	)
	cmd := &cobra.Command{
		Use:   "retrieve <name>",
		Short: "Retrieve an object and write it to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if output == "" {
				output = name
			}

			lib, err := openLibrary()
			if err != nil {
				return err
			}
			defer lib.Close()

			if stream {
				n, err := retrieveStreamFile(lib, name, output)
				if err != nil {
					return err
				}
				fmt.Printf("retrieved %q (%d bytes) to %s\n", name, n, output)
				return nil
			}

			var data []byte
			if container != "" {
				data, err = lib.RetrieveObjectIn(container, name)
			} else {
				data, err = lib.RetrieveObject(name)
			}
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("writing %q: %w", output, err)
			}
			fmt.Printf("retrieved %q (%d bytes) to %s\n", name, len(data), output)
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "Destination path (defaults to the object name)")
	cmd.Flags().BoolVar(&stream, "stream", false, "Write chunks directly to the destination file instead of assembling in memory")
	cmd.Flags().StringVar(&container, "container", "", "Container name (pool mode only)")
	return cmd
}

// retrieveStreamFile drives RetrieveObjectStream/RetrieveObjectStreamIn
// (per SPEC_FULL.md §4.6) against a freshly created output file, which
// satisfies io.WriteSeeker so the library can seek it back to the
// origin once every chunk has been written.
func retrieveStreamFile(lib *dedupe.Library, name, output string) (int64, error) {
	f, err := os.Create(output)
	if err != nil {
		return 0, fmt.Errorf("creating %q: %w", output, err)
	}
	defer f.Close()

	if container != "" {
		err = lib.RetrieveObjectStreamIn(container, name, f)
	} else {
		err = lib.RetrieveObjectStream(name, f)
	}
	if err != nil {
		return 0, err
	}
	// RetrieveObjectStream seeks f back to the origin before returning,
	// so the written size must come from the file itself, not the
	// now-zeroed current offset.
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %q: %w", output, err)
	}
	return info.Size(), nil
}

func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := openLibrary()
			if err != nil {
				return err
			}
			defer lib.Close()

			if container != "" {
				err = lib.DeleteObjectIn(container, args[0])
			} else {
				err = lib.DeleteObject(args[0])
			}
			if err != nil {
				return err
			}
			fmt.Printf("deleted %q\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&container, "container", "", "Container name (pool mode only)")
	return cmd
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every object name",
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := openLibrary()
			if err != nil {
				return err
			}
			defer lib.Close()

			var names []string
			if container != "" {
				names, err = lib.ListObjectsIn(container)
			} else {
				names, err = lib.ListObjects()
			}
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&container, "container", "", "Container name (pool mode only)")
	return cmd
}

func newExistsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exists <name>",
		Short: "Check whether an object exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := openLibrary()
			if err != nil {
				return err
			}
			defer lib.Close()

			var exists bool
			if container != "" {
				exists, err = lib.ObjectExistsIn(container, args[0])
			} else {
				exists, err = lib.ObjectExists(args[0])
			}
			if err != nil {
				return err
			}
			fmt.Println(exists)
			if !exists {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&container, "container", "", "Container name (pool mode only)")
	return cmd
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print object/chunk counts and the logical/physical byte ratio",
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := openLibrary()
			if err != nil {
				return err
			}
			defer lib.Close()

			var st dedupe.IndexStats
			if container != "" {
				st, err = lib.IndexStatsIn(container)
			} else {
				st, err = lib.IndexStats()
			}
			if err != nil {
				return err
			}
			fmt.Printf("objects:        %d\n", st.ObjectCount)
			fmt.Printf("chunks:         %d\n", st.ChunkCount)
			fmt.Printf("logical bytes:  %d\n", st.LogicalBytes)
			fmt.Printf("physical bytes: %d\n", st.PhysicalBytes)
			fmt.Printf("dedup ratio:    %.3f\n", st.Ratio)
			return nil
		},
	}
	cmd.Flags().StringVar(&container, "container", "", "Container name (pool mode only)")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <name>",
		Short: "Verify an object's index entry against its recorded Merkle root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := openLibrary()
			if err != nil {
				return err
			}
			defer lib.Close()

			var ok bool
			if container != "" {
				ok, err = lib.VerifyObjectIn(container, args[0])
			} else {
				ok, err = lib.VerifyObject(args[0])
			}
			if err != nil {
				return err
			}
			fmt.Println(ok)
			if !ok {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&container, "container", "", "Container name (pool mode only)")
	return cmd
}

func newContainerCmd() *cobra.Command {
	parent := &cobra.Command{
		Use:   "container",
		Short: "Manage pool-mode containers",
	}

	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a new, empty container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := openLibrary()
			if err != nil {
				return err
			}
			defer lib.Close()
			if err := lib.AddContainer(args[0]); err != nil {
				return err
			}
			fmt.Printf("added container %q\n", args[0])
			return nil
		},
	}

	rmCmd := &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a container and every object in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := openLibrary()
			if err != nil {
				return err
			}
			defer lib.Close()
			if err := lib.DeleteContainer(args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted container %q\n", args[0])
			return nil
		},
	}

	lsCmd := &cobra.Command{
		Use:   "ls",
		Short: "List every registered container",
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := openLibrary()
			if err != nil {
				return err
			}
			defer lib.Close()
			names, err := lib.ListContainers()
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}

	parent.AddCommand(addCmd, rmCmd, lsCmd)
	return parent
}
