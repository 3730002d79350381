package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"relpack/services/packager"
)

func newBuildCommand(a *app) *cobra.Command {
	var bf buildFlags

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run the build command and check the binary exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			bf.apply(cmd, &a.cfg)
			ctx, cancel := withTimeout(cmd.Context(), a.cfg.Timeout)
			defer cancel()

			res, err := packager.Build(ctx, a.cfg.BuildConfig())
			if err != nil {
				return err
			}
			a.logger.Info().Str("binary", res.BinaryPath).Dur("elapsed", res.Duration).Msg("build finished")
			fmt.Fprintln(os.Stdout, res.BinaryPath)
			return nil
		},
	}

	bf.register(cmd)
	return cmd
}

func newPackageCommand(a *app) *cobra.Command {
	var binary, out, name, commit, ref string

	cmd := &cobra.Command{
		Use:   "package",
		Short: "Stage a binary and its checksum file in a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := packager.NewSignerFromEnv()
			if err != nil {
				return err
			}
			if name == "" {
				name = a.cfg.ArtifactName
			}
			if commit == "" {
				commit = a.cfg.Commit
			}
			if ref == "" {
				ref = a.cfg.Ref
			}

			bundle, err := packager.Package(cmd.Context(), packager.PackageConfig{
				BinaryPath: binary,
				StagingDir: out,
				Name:       name,
				RunID:      uuid.NewString(),
				Commit:     commit,
				Ref:        ref,
				Signer:     signer,
			})
			if err != nil {
				return err
			}

			data, err := packager.MarshalManifest(bundle.Manifest)
			if err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(bundle.Dir, manifestFile), data, 0o644); err != nil {
				return fmt.Errorf("write manifest: %w", err)
			}
			a.logger.Info().Str("dir", bundle.Dir).Str("sha256", bundle.Digest).Msg("bundle staged")
			fmt.Fprintf(os.Stdout, "%s  %s\n", bundle.Digest, bundle.BinaryName)
			return nil
		},
	}

	cmd.Flags().StringVar(&binary, "binary", "", "Binary to package")
	cmd.Flags().StringVar(&out, "out", "", "Staging directory (must be empty or absent)")
	cmd.Flags().StringVar(&name, "name", "", "Artifact name recorded in the manifest")
	cmd.Flags().StringVar(&commit, "sha", "", "Commit the binary was built from (env GITHUB_SHA)")
	cmd.Flags().StringVar(&ref, "ref", "", "Ref the binary was built from (env GITHUB_REF)")
	_ = cmd.MarkFlagRequired("binary")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

const manifestFile = "manifest.yaml"

func newVerifyCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify DIR",
		Short: "Check every checksum file in a staged directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := packager.Verify(args[0]); err != nil {
				return err
			}

			signer, err := packager.NewSignerFromEnv()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(filepath.Join(args[0], manifestFile))
			switch {
			case os.IsNotExist(err):
			case err != nil:
				return err
			default:
				manifest, err := packager.UnmarshalManifest(data)
				if err != nil {
					return err
				}
				if signer != nil {
					if err := signer.VerifyManifest(manifest); err != nil {
						return err
					}
					a.logger.Info().Str("signer", manifest.Signer).Msg("manifest signature verified")
				}
			}
			a.logger.Info().Str("dir", args[0]).Msg("checksums verified")
			return nil
		},
	}
	return cmd
}
