package dedup

import (
	"context"

	"github.com/containerd/containerd/log"
	"github.com/dustin/go-humanize"
)

// Report logs a summary of the duplicate groups and the bytes a rewrite would
// reclaim. Group details are logged at debug level.
func Report(ctx context.Context, duplicates []DuplicateInfo) {
	var total uint64
	for _, d := range duplicates {
		total += d.TotalSavings
	}
	log.G(ctx).
		WithField("groups", len(duplicates)).
		WithField("reclaimable", humanize.IBytes(total)).
		Info("Duplicate content summary")

	for _, d := range duplicates {
		log.G(ctx).
			WithField("original", d.Original.Path).
			WithField("layer", d.Original.LayerIndex).
			WithField("size", humanize.IBytes(d.Original.Size)).
			WithField("duplicates", len(d.Duplicates)).
			Info("Duplicate group")
		for _, f := range d.Duplicates {
			log.G(ctx).
				WithField("path", f.Path).
				WithField("layer", f.LayerIndex).
				Debug("Duplicate")
		}
	}
}
