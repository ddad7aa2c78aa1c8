package verify

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/witnz/quorum/internal/consensus"
	"github.com/witnz/quorum/internal/hash"
	"github.com/witnz/quorum/internal/operation"
	"github.com/witnz/quorum/internal/replog"
	"github.com/witnz/quorum/internal/storage"
	"github.com/witnz/quorum/internal/types"
)

const metaRegistryRoot = "verify.registry_root"

type SystemAlerter interface {
	SendSystemAlert(title, message, severity string) error
}

type RegistryReport struct {
	Records         int
	Root            types.Digest
	Inconsistencies []*InconsistencyError
}

// RegistryVerifier cross-checks the applied-operation registry against the
// committed log and detects records removed or rewritten since the last
// pass.
type RegistryVerifier struct {
	store  *storage.Storage
	log    *replog.Log
	alerts SystemAlerter
	logger *slog.Logger
}

func NewRegistryVerifier(store *storage.Storage, log *replog.Log, alerts SystemAlerter, logger *slog.Logger) *RegistryVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegistryVerifier{
		store:  store,
		log:    log,
		alerts: alerts,
		logger: logger.With("component", "registry-verifier"),
	}
}

// Verify checks every applied record. The returned error aggregates all
// inconsistencies found.
func (v *RegistryVerifier) Verify() (RegistryReport, error) {
	var records []*storage.AppliedRecord
	if err := v.store.ForEachApplied(func(rec *storage.AppliedRecord) error {
		records = append(records, rec)
		return nil
	}); err != nil {
		return RegistryReport{}, fmt.Errorf("failed to read applied records: %w", err)
	}

	// Operations are applied in log order, so earlier records keep their
	// position as new ones are added.
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Index != records[j].Index {
			return records[i].Index < records[j].Index
		}
		return records[i].Key.String() < records[j].Key.String()
	})

	report := RegistryReport{Records: len(records)}
	var errs error

	entries := make(map[types.LogIndex]map[operation.Key]types.Digest)
	for _, rec := range records {
		if ie := v.checkRecord(rec, entries); ie != nil {
			report.Inconsistencies = append(report.Inconsistencies, ie)
			errs = multierr.Append(errs, ie)
		}
	}

	if ie := v.checkRoot(records, &report); ie != nil {
		report.Inconsistencies = append(report.Inconsistencies, ie)
		errs = multierr.Append(errs, ie)
	}

	if errs != nil {
		v.logger.Error("Registry verification failed", "inconsistencies", len(report.Inconsistencies), "error", errs)
		if v.alerts != nil {
			if err := v.alerts.SendSystemAlert("Registry Inconsistency Detected", errs.Error(), "danger"); err != nil {
				v.logger.Warn("Failed to send alert", "error", err)
			}
		}
		return report, errs
	}

	if err := v.store.SetMetadata(metaRegistryRoot, fmt.Sprintf("%s:%d", report.Root, report.Records)); err != nil {
		return report, fmt.Errorf("failed to save registry root: %w", err)
	}
	v.logger.Debug("Registry verified", "records", report.Records, "root", report.Root.String()[:16])
	return report, nil
}

func (v *RegistryVerifier) checkRecord(rec *storage.AppliedRecord, cache map[types.LogIndex]map[operation.Key]types.Digest) *InconsistencyError {
	if rec.Index == 0 || rec.Index > v.log.CommitIndex() {
		return nil
	}

	ops, ok := cache[rec.Index]
	if !ok {
		entry, err := v.entry(rec.Index)
		if err != nil {
			// Entries awaiting resync are checked on a later pass.
			if errors.Is(err, replog.ErrLogIntegrity) || errors.Is(err, replog.ErrNotFound) {
				return nil
			}
			return NewInconsistencyError(rec.Index, rec.Key, fmt.Sprintf("log entry unreadable: %v", err))
		}
		reqs, err := consensus.DecodeEntry(entry)
		if err != nil {
			return NewInconsistencyError(rec.Index, rec.Key, fmt.Sprintf("log entry undecodable: %v", err))
		}
		ops = make(map[operation.Key]types.Digest, len(reqs))
		for _, r := range reqs {
			ops[r.Key()] = r.Digest
		}
		cache[rec.Index] = ops
	}

	digest, found := ops[rec.Key]
	if !found {
		return NewInconsistencyError(rec.Index, rec.Key, "operation not present in committed entry")
	}
	if digest != rec.Digest {
		return NewInconsistencyError(rec.Index, rec.Key,
			fmt.Sprintf("digest %s does not match committed %s", rec.Digest.String()[:16], digest.String()[:16]))
	}
	return nil
}

func (v *RegistryVerifier) entry(idx types.LogIndex) (replog.Entry, error) {
	e, err := v.log.Entry(idx)
	if errors.Is(err, replog.ErrCompacted) {
		snap := v.log.Snapshot()
		if snap == nil || int(idx) > len(snap.Entries) {
			return replog.Entry{}, err
		}
		return snap.Entries[idx-1], nil
	}
	return e, err
}

// checkRoot compares the Merkle root over the records seen by the previous
// pass with the root over the same prefix now.
func (v *RegistryVerifier) checkRoot(records []*storage.AppliedRecord, report *RegistryReport) *InconsistencyError {
	leaf := func(rec *storage.AppliedRecord) types.Digest {
		return hash.Sum([]byte(fmt.Sprintf("%s|%d|%s|%t", rec.Key, rec.Index, rec.Digest, rec.Success)))
	}

	prevRoot, prevCount, havePrev := v.previousRoot()

	tree := hash.NewMerkleTree()
	for i, rec := range records {
		if havePrev && i == prevCount {
			if tree.Root() != prevRoot {
				havePrev = false
				report.Root = tree.Root()
				return NewInconsistencyError(rec.Index, rec.Key, "applied records changed since the last verification")
			}
			havePrev = false
		}
		tree.AddLeaf(leaf(rec))
	}
	report.Root = tree.Root()

	if havePrev {
		if prevCount > len(records) {
			return NewInconsistencyError(0, operation.Key{},
				fmt.Sprintf("%d applied records missing since the last verification", prevCount-len(records)))
		}
		if report.Root != prevRoot {
			return NewInconsistencyError(0, operation.Key{}, "applied records changed since the last verification")
		}
	}
	return nil
}

func (v *RegistryVerifier) previousRoot() (types.Digest, int, bool) {
	value, err := v.store.GetMetadata(metaRegistryRoot)
	if err != nil {
		return types.Digest{}, 0, false
	}
	rootHex, countStr, ok := strings.Cut(value, ":")
	if !ok {
		return types.Digest{}, 0, false
	}
	var root types.Digest
	if err := root.UnmarshalText([]byte(rootHex)); err != nil {
		return types.Digest{}, 0, false
	}
	count, err := strconv.Atoi(countStr)
	if err != nil {
		return types.Digest{}, 0, false
	}
	return root, count, true
}
