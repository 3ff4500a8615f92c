package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/tendant/textrepo/pkg/textrepo/source"
)

// NewImportCommand creates the import command
func NewImportCommand() *cobra.Command {
	var (
		typeName    string
		dir         string
		s3Config    source.S3Config
		allowNewDoc bool
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import every file of a directory or S3 prefix",
		Long: `Import every file of a directory or S3 prefix as the file of the given type
owned by the document named after the file, without its extension.

S3 credentials are read from AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY when
set, otherwise from the default AWS credential chain.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (dir == "") == (s3Config.Bucket == "") {
				return errors.New("exactly one of --dir and --s3-bucket is required")
			}
			ctx := cmd.Context()

			var src source.Source
			if dir != "" {
				d, err := source.NewDir(dir)
				if err != nil {
					return err
				}
				src = d
			} else {
				s3Config.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
				s3Config.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
				s, err := source.NewS3(ctx, s3Config)
				if err != nil {
					return err
				}
				src = s
			}

			_, rt, err := buildRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			summary, err := source.Import(ctx, src, rt.Service, source.Options{
				TypeName:         typeName,
				AllowNewDocument: allowNewDoc,
				Logger:           slog.Default(),
			})
			if summary != nil {
				if werr := writeJSON(cmd.OutOrStdout(), summary); werr != nil {
					return werr
				}
			}
			if err != nil {
				return err
			}
			if summary.Failed > 0 {
				return fmt.Errorf("%d of %d items failed to import",
					summary.Failed, summary.Created+summary.Unchanged+summary.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&typeName, "type", "", "type of the imported files (required)")
	cmd.Flags().StringVar(&dir, "dir", "", "directory to import")
	cmd.Flags().StringVar(&s3Config.Bucket, "s3-bucket", "", "S3 bucket to import")
	cmd.Flags().StringVar(&s3Config.Prefix, "s3-prefix", "", "key prefix within the bucket")
	cmd.Flags().StringVar(&s3Config.Region, "s3-region", "us-east-1", "S3 region")
	cmd.Flags().StringVar(&s3Config.Endpoint, "s3-endpoint", "", "custom endpoint for S3 compatible services")
	cmd.Flags().BoolVar(&s3Config.UsePathStyle, "s3-path-style", false, "use path style addressing")
	cmd.Flags().BoolVar(&allowNewDoc, "allow-new", false, "create documents that do not exist yet")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

// NewReindexCommand creates the reindex command
func NewReindexCommand() *cobra.Command {
	var typeName string

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Index the latest contents of every file of a type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, rt, err := buildRuntime(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.Service.IndexAllOfType(cmd.Context(), typeName)
			if result != nil {
				if werr := writeJSON(cmd.OutOrStdout(), result); werr != nil {
					return werr
				}
			}
			if err != nil {
				return err
			}
			if result.Failed > 0 {
				return fmt.Errorf("%d files failed to index", result.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&typeName, "type", "", "type of the files to index (required)")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

// NewReconcileCommand creates the reconcile command
func NewReconcileCommand() *cobra.Command {
	var deleteOrphans, indexMissing bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare the file ids of the store with those of the indexes",
		Long: `Compare the file ids of the store with those of the indexes and print the
differences. Files whose type no indexer supports are left out.
--delete-orphans removes ids only the indexes know, --index-missing indexes
files no index knows.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, rt, err := buildRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			drift, err := rt.Service.FindIndexDrift(ctx)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), drift); err != nil {
				return err
			}

			var errs []error
			if deleteOrphans {
				for _, id := range drift.OnlyInIndex {
					report, err := rt.Service.DeleteFromIndex(ctx, id)
					if err == nil {
						err = report.Err()
					}
					if err != nil {
						errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
						continue
					}
					slog.Info("Deleted orphan from indexes", "file_id", id)
				}
			}
			if indexMissing {
				for _, id := range drift.OnlyInStore {
					report, err := rt.Service.IndexFile(ctx, id)
					if err == nil {
						err = report.Err()
					}
					if err != nil {
						errs = append(errs, fmt.Errorf("index %s: %w", id, err))
						continue
					}
					slog.Info("Indexed missing file", "file_id", id)
				}
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().BoolVar(&deleteOrphans, "delete-orphans", false, "delete ids only the indexes know")
	cmd.Flags().BoolVar(&indexMissing, "index-missing", false, "index files no index knows")

	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
