package decagon

import (
	"encoding/csv"
	"io"
	"os"
	"path"
	"sort"

	"github.com/gomlx/decagon/sampler"
	"github.com/gomlx/gomlx/examples/downloader"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// DownloadSubdir under the data directory where the raw files are kept.
const DownloadSubdir = "downloads"

// MinSideEffectOccurrences filters out the rare polypharmacy side effects:
// the original study keeps only those reported for at least 500 drug pairs,
// which leaves 964 side effects.
var MinSideEffectOccurrences = 500

var bioDecagonFiles = []struct {
	url, tarFile, csvFile string
}{
	{"https://snap.stanford.edu/decagon/bio-decagon-ppi.tar.gz", "bio-decagon-ppi.tar.gz", "bio-decagon-ppi.csv"},
	{"https://snap.stanford.edu/decagon/bio-decagon-targets-all.tar.gz", "bio-decagon-targets-all.tar.gz", "bio-decagon-targets-all.csv"},
	{"https://snap.stanford.edu/decagon/bio-decagon-combo.tar.gz", "bio-decagon-combo.tar.gz", "bio-decagon-combo.csv"},
}

// Download fetches the bio-decagon datasets into `baseDir` (if not there
// already) and parses them into a Data graph: protein-protein interactions,
// drug-target links and the per-side-effect drug combinations.
//
// Entrez gene IDs and STITCH drug IDs are remapped to dense indices, in
// order of first appearance.
func Download(baseDir string) (*Data, error) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	downloadPath := path.Join(baseDir, DownloadSubdir)
	if err := os.MkdirAll(downloadPath, 0777); err != nil {
		return nil, errors.Wrapf(err, "failed to create download directory %q", downloadPath)
	}
	for _, file := range bioDecagonFiles {
		err := downloader.DownloadAndUntarIfMissing(file.url, downloadPath, file.tarFile, file.csvFile, "")
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to download %q", file.url)
		}
	}

	genes := newIndexer()
	drugs := newIndexer()
	data := &Data{}

	// bio-decagon-ppi.csv: "Gene 1,Gene 2".
	err := parseCSVFile(path.Join(downloadPath, bioDecagonFiles[0].csvFile), 2, func(row []string) error {
		data.GeneGene = append(data.GeneGene, sampler.Edge{
			Source: genes.indexOf(row[0]),
			Target: genes.indexOf(row[1]),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	data.GeneGene = canonicalUndirected(data.GeneGene)

	// bio-decagon-combo.csv: "STITCH 1,STITCH 2,Polypharmacy Side Effect,Side Effect Name".
	// Drugs are indexed from here first, so every drug in the combination
	// data gets an index even if it has no known targets.
	type comboRelation struct {
		name  string
		edges []sampler.Edge
	}
	combos := make(map[string]*comboRelation)
	bar := progressbar.Default(-1, "Parsing drug combination side effects")
	err = parseCSVFile(path.Join(downloadPath, bioDecagonFiles[2].csvFile), 4, func(row []string) error {
		_ = bar.Add(1)
		combo := combos[row[2]]
		if combo == nil {
			combo = &comboRelation{name: row[3]}
			combos[row[2]] = combo
		}
		combo.edges = append(combo.edges, sampler.Edge{
			Source: drugs.indexOf(row[0]),
			Target: drugs.indexOf(row[1]),
		})
		return nil
	})
	_ = bar.Finish()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(combos))
	for id, combo := range combos {
		if len(combo.edges) >= MinSideEffectOccurrences {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		data.SideEffects = append(data.SideEffects, SideEffect{
			ID:    id,
			Name:  combos[id].name,
			Edges: canonicalUndirected(combos[id].edges),
		})
	}
	klog.Infof("Kept %d of %d side effects with >= %d drug pairs", len(ids), len(combos), MinSideEffectOccurrences)

	// bio-decagon-targets-all.csv: "STITCH,Gene".
	err = parseCSVFile(path.Join(downloadPath, bioDecagonFiles[1].csvFile), 2, func(row []string) error {
		data.DrugTargets = append(data.DrugTargets, sampler.Edge{
			Source: genes.indexOf(row[1]),
			Target: drugs.indexOf(row[0]),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	data.DrugTargets = dedupe(data.DrugTargets)

	data.NumGenes = genes.len()
	data.NumDrugs = drugs.len()
	klog.Infof("%s", data)
	return data, nil
}

// parseCSVFile iterates over the rows of a plain CSV file with a header
// line, checking the column count.
func parseCSVFile(filePath string, numColumns int, perRowFn func(row []string) error) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	r := csv.NewReader(f)
	header := true
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "while reading CSV %q", filePath)
		}
		if header {
			header = false
			continue
		}
		if len(row) != numColumns {
			return errors.Errorf("row of %q has %d columns, expected %d", filePath, len(row), numColumns)
		}
		if err = perRowFn(row); err != nil {
			return errors.WithMessagef(err, "while processing file %q", filePath)
		}
	}
	return nil
}

// indexer remaps the string IDs of the raw files to dense indices.
type indexer struct {
	indices map[string]int32
}

func newIndexer() *indexer {
	return &indexer{indices: make(map[string]int32)}
}

func (idx *indexer) indexOf(id string) int32 {
	index, found := idx.indices[id]
	if !found {
		index = int32(len(idx.indices))
		idx.indices[id] = index
	}
	return index
}

func (idx *indexer) len() int { return len(idx.indices) }
