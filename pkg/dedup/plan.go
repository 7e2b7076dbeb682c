package dedup

// LinkKind distinguishes same-layer hardlinks from cross-layer symlinks.
type LinkKind int

const (
	// Symlink replaces a duplicate whose original lives in another layer.
	Symlink LinkKind = iota

	// Hardlink replaces a duplicate that shares a layer with its original.
	Hardlink
)

func (k LinkKind) String() string {
	if k == Hardlink {
		return "hardlink"
	}
	return "symlink"
}

// LinkTransaction is one planned replacement of a duplicate file by a link to
// its original.
type LinkTransaction struct {
	LayerIndex int

	// TargetPath is the entry to remove from the layer.
	TargetPath string

	// SourcePath is the original's archive-relative path, which becomes the
	// link target.
	SourcePath string

	Kind LinkKind
}

// Plan maps a layer index to the replacements scheduled for that layer.
// Layers without an entry pass through untouched.
type Plan map[int][]LinkTransaction

// BuildPlan turns duplicate groups into per-layer link transactions.
// Hardlinks can only be represented inside a single archive, so duplicates of
// an original from another layer become symlinks to the original's path.
func BuildPlan(duplicates []DuplicateInfo) Plan {
	plan := make(Plan)
	for _, d := range duplicates {
		for _, f := range d.Duplicates {
			kind := Symlink
			if f.LayerIndex == d.Original.LayerIndex {
				kind = Hardlink
			}
			plan[f.LayerIndex] = append(plan[f.LayerIndex], LinkTransaction{
				LayerIndex: f.LayerIndex,
				TargetPath: f.Path,
				SourcePath: d.Original.Path,
				Kind:       kind,
			})
		}
	}
	return plan
}
