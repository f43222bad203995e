// Package vault implements a content processing and distribution
// pipeline for media assets.
//
// Raw uploads are stored by the AssetStore, turned into derived assets
// by the Orchestrator through an external transformation service, and
// published to external platforms by the Dispatcher according to
// distribution plans created by the Planner. Every job lives in the
// Ledger, whose compare-and-set transitions are the only coordination
// between workers; any number of orchestrator and dispatcher loops may
// run against the same repository.
//
// Basic usage:
//
//	repo := memory.New()
//	p, err := vault.NewPipeline(repo, transformer,
//	    vault.WithBlobStore("default", memorystorage.New()),
//	    vault.WithSink("youtube", youtubeSink),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := p.Styles.LoadPresets(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	raw, err := p.Assets.Put(ctx, file, vault.PutRequest{
//	    Kind:     vault.AssetKindRaw,
//	    OwnerID:  artistID,
//	    MimeType: "video/mp4",
//	})
//	job, err := p.Orchestrator.SubmitTransform(ctx, vault.SubmitTransformRequest{
//	    RawAssetID: raw.ID,
//	    StyleID:    "studio@v1",
//	})
//
//	go p.Orchestrator.Run(ctx)
//	go p.Dispatcher.Run(ctx)
package vault
