package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tendant/content-vault/pkg/vault"
	"github.com/tendant/content-vault/pkg/vault/config"
)

func newUploadCommand(ctx *commandContext) *cobra.Command {
	var ownerFlag string
	var mimeFlag string

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Store a raw media file",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID, err := parseID("owner", ownerFlag)
			if err != nil {
				return err
			}
			path := args[0]
			file, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("%w: %v", vault.ErrValidation, err)
			}
			defer file.Close()

			mimeType := mimeFlag
			if mimeType == "" {
				mimeType = mime.TypeByExtension(filepath.Ext(path))
			}
			if i := strings.IndexByte(mimeType, ';'); i >= 0 {
				mimeType = mimeType[:i]
			}

			return ctx.withRuntime(cmd, func(rt *config.Runtime) error {
				asset, err := rt.Assets.Put(cmd.Context(), file, vault.PutRequest{
					Kind:     vault.AssetKindRaw,
					OwnerID:  ownerID,
					MimeType: mimeType,
					FileName: filepath.Base(path),
				})
				if err != nil {
					return err
				}
				return ctx.emit(cmd, asset, assetHeaders, assetRows([]*vault.Asset{asset}), nil)
			})
		},
	}

	cmd.Flags().StringVar(&ownerFlag, "owner", "", "Owner (artist) ID")
	cmd.Flags().StringVar(&mimeFlag, "mime", "", "MIME type (default: from the file extension)")
	return cmd
}

var assetHeaders = []string{"Asset", "Kind", "MIME", "Size", "Source", "Style", "Key"}

func assetRows(assets []*vault.Asset) [][]string {
	rows := make([][]string, 0, len(assets))
	for _, asset := range assets {
		source := "-"
		if asset.SourceAssetID != nil {
			source = asset.SourceAssetID.String()
		}
		rows = append(rows, []string{
			asset.ID.String(),
			string(asset.Kind),
			orDash(asset.MimeType),
			strconv.FormatInt(asset.SizeBytes, 10),
			source,
			orDash(asset.StyleID),
			asset.ObjectKey,
		})
	}
	return rows
}

func newTransformCommand(ctx *commandContext) *cobra.Command {
	var styleFlag string

	cmd := &cobra.Command{
		Use:   "transform <raw-asset-id>",
		Short: "Submit a raw asset for transformation",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rawID, err := parseID("asset", args[0])
			if err != nil {
				return err
			}
			return ctx.withRuntime(cmd, func(rt *config.Runtime) error {
				job, err := rt.Orchestrator.SubmitTransform(cmd.Context(), vault.SubmitTransformRequest{
					RawAssetID: rawID,
					StyleID:    styleFlag,
				})
				if err != nil {
					return err
				}
				return ctx.emit(cmd, job, jobHeaders, jobRows([]*vault.Job{job}), nil)
			})
		},
	}

	cmd.Flags().StringVar(&styleFlag, "style", "studio@v1", "Style descriptor ID")
	return cmd
}

func newStylesCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "styles",
		Short: "List the style catalog",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *config.Runtime) error {
				styles, err := rt.Styles.List(cmd.Context())
				if err != nil {
					return err
				}
				return ctx.emit(cmd, styles, styleHeaders, styleRows(styles), nil)
			})
		},
	}
	cmd.AddCommand(newStyleDeriveCommand(ctx))
	return cmd
}

func newStyleDeriveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "derive <base-style-id> key=value...",
		Short: "Create a style from a base style plus parameter overrides",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("%w: need a base style and at least one override", vault.ErrValidation)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := parsePairs(args[1:])
			if err != nil {
				return err
			}
			return ctx.withRuntime(cmd, func(rt *config.Runtime) error {
				style, err := rt.Styles.Derive(cmd.Context(), args[0], overrides)
				if err != nil {
					return err
				}
				return ctx.emit(cmd, style, styleHeaders, styleRows([]*vault.StyleDescriptor{style}), nil)
			})
		},
	}
}

var styleHeaders = []string{"Style", "Mood", "Parameters"}

func styleRows(styles []*vault.StyleDescriptor) [][]string {
	rows := make([][]string, 0, len(styles))
	for _, style := range styles {
		keys := make([]string, 0, len(style.Parameters))
		for k := range style.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		params := make([]string, 0, len(keys))
		for _, k := range keys {
			params = append(params, k+"="+style.Parameters[k])
		}
		rows = append(rows, []string{style.ID, orDash(style.Mood), strings.Join(params, " ")})
	}
	return rows
}
