package dedup

import "sort"

// DuplicateInfo is one equivalence class of identical content. The original
// is the earliest copy in the layer chain; every other member is redundant.
type DuplicateInfo struct {
	Original     FileInfo
	Duplicates   []FileInfo
	TotalSavings uint64
}

// GroupDuplicates partitions files by fingerprint and keeps classes with at
// least two members. Within a class, members are ordered by layer index with
// scan order as the tie-break, and the first member becomes the original.
// Classes are returned by descending savings, with the original path breaking
// ties so the ordering is deterministic.
func GroupDuplicates(files []FileInfo) []DuplicateInfo {
	byHash := make(map[uint64][]FileInfo)
	for _, f := range files {
		byHash[f.Hash] = append(byHash[f.Hash], f)
	}

	var duplicates []DuplicateInfo
	for _, group := range byHash {
		if len(group) < 2 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].LayerIndex < group[j].LayerIndex
		})
		original, rest := group[0], group[1:]
		duplicates = append(duplicates, DuplicateInfo{
			Original:     original,
			Duplicates:   rest,
			TotalSavings: original.Size * uint64(len(rest)),
		})
	}

	sort.Slice(duplicates, func(i, j int) bool {
		if duplicates[i].TotalSavings != duplicates[j].TotalSavings {
			return duplicates[i].TotalSavings > duplicates[j].TotalSavings
		}
		return duplicates[i].Original.Path < duplicates[j].Original.Path
	})
	return duplicates
}
