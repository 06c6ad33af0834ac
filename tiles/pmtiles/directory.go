package pmtiles

// TargetRootLenBytes is the byte budget the root directory is optimized
// against; spec.md §6.1 documents the same 16257-byte figure the upstream
// PMTiles writer uses so a 100MiB-class archive's root directory stays a
// single HTTP range request.
const TargetRootLenBytes = 16257

// buildRootsLeaves partitions entries into leafSize-sized runs, serializes
// each as a leaf directory, and returns a root directory of pointer
// entries (RunLength 0) alongside the concatenated leaf bytes. Grounded
// bit-exact on the teacher's buildRootsLeaves.
func buildRootsLeaves(entries []EntryV3, leafSize int, compression PMTilesCompression) ([]byte, []byte, int, error) {
	rootEntries := make([]EntryV3, 0)
	leavesBytes := make([]byte, 0)
	numLeaves := 0

	for idx := 0; idx < len(entries); idx += leafSize {
		numLeaves++
		end := idx + leafSize
		if end > len(entries) {
			end = len(entries)
		}
		serialized, err := SerializeEntries(entries[idx:end], compression)
		if err != nil {
			return nil, nil, 0, err
		}
		rootEntries = append(rootEntries, EntryV3{
			TileID: entries[idx].TileID,
			Offset: uint64(len(leavesBytes)),
			Length: uint32(len(serialized)),
		})
		leavesBytes = append(leavesBytes, serialized...)
	}

	rootBytes, err := SerializeEntries(rootEntries, compression)
	if err != nil {
		return nil, nil, 0, err
	}
	return rootBytes, leavesBytes, numLeaves, nil
}

// OptimizeDirectories picks the cheapest directory layout that keeps the
// root directory within targetRootLen bytes: a single root-only directory
// when it already fits (Case 1), else a root of leaf pointers sized by
// geometrically growing the leaf partition until the root fits (Case 3).
// Case 2 (mixed tile/pointer entries in the root) is not implemented; it
// is an optional optimization in the upstream format, not a correctness
// requirement, and the teacher's own writer leaves it as a TODO too.
func OptimizeDirectories(entries []EntryV3, targetRootLen int, compression PMTilesCompression) (rootBytes, leavesBytes []byte, numLeaves int, err error) {
	if len(entries) < 16384 {
		testRootBytes, err := SerializeEntries(entries, compression)
		if err != nil {
			return nil, nil, 0, err
		}
		if len(testRootBytes) <= targetRootLen {
			return testRootBytes, nil, 0, nil
		}
	}

	leafSize := float64(len(entries)) / 3500
	if leafSize < 4096 {
		leafSize = 4096
	}

	for {
		rootBytes, leavesBytes, numLeaves, err = buildRootsLeaves(entries, int(leafSize), compression)
		if err != nil {
			return nil, nil, 0, err
		}
		if len(rootBytes) <= targetRootLen {
			return rootBytes, leavesBytes, numLeaves, nil
		}
		leafSize *= 1.2
	}
}

// IterateEntries walks every tile entry reachable from the root directory,
// dereferencing leaf pointers via fetch.
func IterateEntries(header HeaderV3, fetch func(offset, length uint64) ([]byte, error), visit func(EntryV3)) error {
	var walk func(offset, length uint64) error
	walk = func(offset, length uint64) error {
		data, err := fetch(offset, length)
		if err != nil {
			return err
		}
		entries, err := DeserializeEntries(data, header.InternalCompression)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.RunLength > 0 {
				visit(e)
			} else if err := walk(header.LeafDirs.Offset+e.Offset, uint64(e.Length)); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(header.RootDir.Offset, header.RootDir.Length)
}
