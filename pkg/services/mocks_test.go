package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neverdrugs/catalog-engine/pkg/apperrors"
	"github.com/neverdrugs/catalog-engine/pkg/cache"
	"github.com/neverdrugs/catalog-engine/pkg/config"
	"github.com/neverdrugs/catalog-engine/pkg/database"
	"github.com/neverdrugs/catalog-engine/pkg/models"
	"github.com/neverdrugs/catalog-engine/pkg/repositories"
	"github.com/neverdrugs/catalog-engine/pkg/retry"
)

// ============================================================================
// Transaction runner
// ============================================================================

type fakeTxKey struct{}

// fakeTx serializes transactions, standing in for the row and advisory
// locks the real schema takes. Nested calls reuse the outer transaction.
type fakeTx struct {
	txMu    sync.Mutex
	countMu sync.Mutex
	txCount int
}

var _ database.TxRunner = (*fakeTx)(nil)

func (f *fakeTx) WithScope(ctx context.Context) context.Context { return ctx }

func (f *fakeTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(fakeTxKey{}) != nil {
		return fn(ctx)
	}
	f.txMu.Lock()
	defer f.txMu.Unlock()

	f.countMu.Lock()
	f.txCount++
	f.countMu.Unlock()
	return fn(context.WithValue(ctx, fakeTxKey{}, true))
}

// ============================================================================
// Shared in-memory store
// ============================================================================

type memStore struct {
	mu sync.Mutex

	snapshots map[uuid.UUID]*models.Snapshot
	nodes     map[string]*models.HierarchyNode // snapshot|code
	records   map[string]*models.ClinicalRecord
	drugs     map[uuid.UUID]*models.Drug
	drugLeaf  map[[2]uuid.UUID]bool
	conds     map[uuid.UUID]*models.Condition
	condRec   map[[2]uuid.UUID]bool
	aliases   map[uuid.UUID]*models.DrugAlias
	index     map[string]*models.SearchIndexEntry // kind|entity
	nextIdx   int64
	queryLog  map[string]*models.QueryLog
}

func newMemStore() *memStore {
	return &memStore{
		snapshots: make(map[uuid.UUID]*models.Snapshot),
		nodes:     make(map[string]*models.HierarchyNode),
		records:   make(map[string]*models.ClinicalRecord),
		drugs:     make(map[uuid.UUID]*models.Drug),
		drugLeaf:  make(map[[2]uuid.UUID]bool),
		conds:     make(map[uuid.UUID]*models.Condition),
		condRec:   make(map[[2]uuid.UUID]bool),
		aliases:   make(map[uuid.UUID]*models.DrugAlias),
		index:     make(map[string]*models.SearchIndexEntry),
		queryLog:  make(map[string]*models.QueryLog),
	}
}

func versionedKey(snapshotID uuid.UUID, code string) string {
	return snapshotID.String() + "|" + code
}

func indexKey(kind models.EntityKind, id uuid.UUID) string {
	return string(kind) + "|" + id.String()
}

// ============================================================================
// Snapshot repository
// ============================================================================

type fakeSnapshotRepo struct {
	s           *memStore
	activateErr []error // consumed one per Activate call
}

var _ repositories.SnapshotRepository = (*fakeSnapshotRepo)(nil)

func (r *fakeSnapshotRepo) Create(ctx context.Context, snap *models.Snapshot) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	snap.CreatedAt = time.Now()
	cp := *snap
	r.s.snapshots[snap.ID] = &cp
	return nil
}

func (r *fakeSnapshotRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Snapshot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	snap, ok := r.s.snapshots[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

func (r *fakeSnapshotRepo) GetActive(ctx context.Context, kind models.SnapshotKind) (*models.Snapshot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, snap := range r.s.snapshots {
		if snap.Kind == kind && snap.Active {
			cp := *snap
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeSnapshotRepo) List(ctx context.Context, kind models.SnapshotKind) ([]*models.Snapshot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Snapshot
	for _, snap := range r.s.snapshots {
		if snap.Kind == kind {
			cp := *snap
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *fakeSnapshotRepo) ListPendingReconciliation(ctx context.Context) ([]*models.Snapshot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Snapshot
	for _, snap := range r.s.snapshots {
		if snap.ReconciliationPending() {
			cp := *snap
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeSnapshotRepo) LockKind(ctx context.Context, kind models.SnapshotKind) error {
	return nil
}

func (r *fakeSnapshotRepo) Activate(ctx context.Context, id uuid.UUID, kind models.SnapshotKind) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if len(r.activateErr) > 0 {
		err := r.activateErr[0]
		r.activateErr = r.activateErr[1:]
		if err != nil {
			return err
		}
	}
	for _, snap := range r.s.snapshots {
		if snap.Kind == kind {
			snap.Active = false
		}
	}
	target := r.s.snapshots[id]
	target.Active = true
	target.ReconciledAt = nil
	return nil
}

func (r *fakeSnapshotRepo) MarkReconciled(ctx context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	snap, ok := r.s.snapshots[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	now := time.Now()
	snap.ReconciledAt = &now
	return nil
}

func (r *fakeSnapshotRepo) update(id uuid.UUID, fn func(*models.Snapshot)) (*models.Snapshot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	snap, ok := r.s.snapshots[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	fn(snap)
	cp := *snap
	return &cp, nil
}

func (r *fakeSnapshotRepo) IncrementInserted(ctx context.Context, id uuid.UUID, n int64) (*models.Snapshot, error) {
	return r.update(id, func(s *models.Snapshot) { s.InsertedCount += n })
}

func (r *fakeSnapshotRepo) IncrementDerived(ctx context.Context, id uuid.UUID, n int64) (*models.Snapshot, error) {
	return r.update(id, func(s *models.Snapshot) { s.DerivedCount += n })
}

func (r *fakeSnapshotRepo) SetRecordCount(ctx context.Context, id uuid.UUID, n int64) (*models.Snapshot, error) {
	return r.update(id, func(s *models.Snapshot) { s.RecordCount = n })
}

// ============================================================================
// Hierarchy repository
// ============================================================================

type fakeHierarchyRepo struct {
	s *memStore

	// upsertErrs is consumed one per Upsert call; nil entries succeed.
	upsertErrs []error
	upserts    int
}

var _ repositories.HierarchyRepository = (*fakeHierarchyRepo)(nil)

func (r *fakeHierarchyRepo) Upsert(ctx context.Context, node *models.HierarchyNode) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.upserts++
	if len(r.upsertErrs) > 0 {
		err := r.upsertErrs[0]
		r.upsertErrs = r.upsertErrs[1:]
		if err != nil {
			return err
		}
	}

	key := versionedKey(node.SnapshotID, node.Code)
	if existing, ok := r.s.nodes[key]; ok {
		if node.Name != "" {
			existing.Name = node.Name
		}
		existing.Level = node.Level
		existing.ParentID = node.ParentID
		existing.Searchable = node.Searchable
		node.ID = existing.ID
		return nil
	}
	cp := *node
	r.s.nodes[key] = &cp
	return nil
}

func (r *fakeHierarchyRepo) EnsureStub(ctx context.Context, snapshotID uuid.UUID, code string, level int, nameHint string, parentID *uuid.UUID) (uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := versionedKey(snapshotID, code)
	if existing, ok := r.s.nodes[key]; ok {
		if existing.Name == "" {
			existing.Name = nameHint
		}
		if existing.ParentID == nil {
			existing.ParentID = parentID
		}
		return existing.ID, nil
	}
	node := &models.HierarchyNode{
		ID:         uuid.New(),
		SnapshotID: snapshotID,
		Code:       code,
		Level:      level,
		Name:       nameHint,
		ParentID:   parentID,
		Searchable: true,
	}
	r.s.nodes[key] = node
	return node.ID, nil
}

func (r *fakeHierarchyRepo) GetByCode(ctx context.Context, snapshotID uuid.UUID, code string) (*models.HierarchyNode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	node, ok := r.s.nodes[versionedKey(snapshotID, code)]
	if !ok {
		return nil, nil
	}
	cp := *node
	return &cp, nil
}

func (r *fakeHierarchyRepo) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.HierarchyNode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*models.HierarchyNode
	for _, node := range r.s.nodes {
		if want[node.ID] {
			cp := *node
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r *fakeHierarchyRepo) ListLeafIDs(ctx context.Context, snapshotID uuid.UUID) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var leaves []*models.HierarchyNode
	for _, node := range r.s.nodes {
		if node.SnapshotID == snapshotID && node.IsLeaf() {
			leaves = append(leaves, node)
		}
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].Code < leaves[j].Code })
	ids := make([]uuid.UUID, len(leaves))
	for i, n := range leaves {
		ids[i] = n.ID
	}
	return ids, nil
}

func (r *fakeHierarchyRepo) CountBySnapshot(ctx context.Context, snapshotID uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, node := range r.s.nodes {
		if node.SnapshotID == snapshotID {
			n++
		}
	}
	return n, nil
}

// nodesOf returns copies of every node of a snapshot keyed by code.
func (r *fakeHierarchyRepo) nodesOf(snapshotID uuid.UUID) map[string]models.HierarchyNode {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[string]models.HierarchyNode)
	for _, node := range r.s.nodes {
		if node.SnapshotID == snapshotID {
			cp := *node
			cp.UpdatedAt = time.Time{}
			out[node.Code] = cp
		}
	}
	return out
}

// ============================================================================
// Clinical repository
// ============================================================================

type fakeClinicalRepo struct {
	s *memStore
}

var _ repositories.ClinicalRepository = (*fakeClinicalRepo)(nil)

func (r *fakeClinicalRepo) Upsert(ctx context.Context, rec *models.ClinicalRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := versionedKey(rec.SnapshotID, rec.Code)
	if existing, ok := r.s.records[key]; ok {
		rec.ID = existing.ID
	}
	cp := *rec
	r.s.records[key] = &cp
	return nil
}

func (r *fakeClinicalRepo) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.ClinicalRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*models.ClinicalRecord
	for _, rec := range r.s.records {
		if want[rec.ID] {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r *fakeClinicalRepo) ListIDs(ctx context.Context, snapshotID uuid.UUID) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var recs []*models.ClinicalRecord
	for _, rec := range r.s.records {
		if rec.SnapshotID == snapshotID {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Code < recs[j].Code })
	ids := make([]uuid.UUID, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	return ids, nil
}

// ============================================================================
// Catalog repository
// ============================================================================

type fakeCatalogRepo struct {
	s *memStore

	// createDrugErr fails CreateDrug for names matching case-insensitively.
	createDrugErr map[string]error
}

var _ repositories.CatalogRepository = (*fakeCatalogRepo)(nil)

func (r *fakeCatalogRepo) LockName(ctx context.Context, kind models.EntityKind, name string) error {
	return nil
}

func (r *fakeCatalogRepo) FindDrugsByName(ctx context.Context, name string) ([]*models.Drug, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Drug
	for _, d := range r.s.drugs {
		if strings.EqualFold(d.Name, name) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (r *fakeCatalogRepo) CreateDrug(ctx context.Context, drug *models.Drug) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for name, err := range r.createDrugErr {
		if strings.EqualFold(name, drug.Name) {
			return err
		}
	}
	cp := *drug
	r.s.drugs[drug.ID] = &cp
	return nil
}

func (r *fakeCatalogRepo) GetDrug(ctx context.Context, id uuid.UUID) (*models.Drug, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.drugs[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *d
	cp.Categories = nil
	seen := make(map[string]bool)
	for link := range r.s.drugLeaf {
		if link[0] != id {
			continue
		}
		for _, node := range r.s.nodes {
			if node.ID != link[1] || node.ParentID == nil {
				continue
			}
			for _, parent := range r.s.nodes {
				if parent.ID == *node.ParentID && parent.Name != "" && !seen[parent.Name] {
					seen[parent.Name] = true
					cp.Categories = append(cp.Categories, parent.Name)
				}
			}
		}
	}
	sort.Strings(cp.Categories)
	return &cp, nil
}

func (r *fakeCatalogRepo) DeleteDrug(ctx context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.drugs[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(r.s.drugs, id)
	for link := range r.s.drugLeaf {
		if link[0] == id {
			delete(r.s.drugLeaf, link)
		}
	}
	for aid, a := range r.s.aliases {
		if a.DrugID == id {
			delete(r.s.aliases, aid)
		}
	}
	return nil
}

func (r *fakeCatalogRepo) LinkDrugLeaf(ctx context.Context, drugID, nodeID uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := [2]uuid.UUID{drugID, nodeID}
	if r.s.drugLeaf[key] {
		return false, nil
	}
	r.s.drugLeaf[key] = true
	return true, nil
}

func (r *fakeCatalogRepo) RelatedDrugs(ctx context.Context, drugID uuid.UUID) ([]*models.Drug, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	parentOf := func(nodeID uuid.UUID) *uuid.UUID {
		for _, n := range r.s.nodes {
			if n.ID == nodeID {
				return n.ParentID
			}
		}
		return nil
	}
	parents := make(map[uuid.UUID]bool)
	for link := range r.s.drugLeaf {
		if link[0] == drugID {
			if p := parentOf(link[1]); p != nil {
				parents[*p] = true
			}
		}
	}
	seen := make(map[uuid.UUID]bool)
	var out []*models.Drug
	for link := range r.s.drugLeaf {
		if link[0] == drugID || seen[link[0]] {
			continue
		}
		if p := parentOf(link[1]); p != nil && parents[*p] {
			seen[link[0]] = true
			cp := *r.s.drugs[link[0]]
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *fakeCatalogRepo) FindConditionsByName(ctx context.Context, name string) ([]*models.Condition, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Condition
	for _, c := range r.s.conds {
		if strings.EqualFold(c.Name, name) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeCatalogRepo) CreateCondition(ctx context.Context, cond *models.Condition) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *cond
	r.s.conds[cond.ID] = &cp
	return nil
}

func (r *fakeCatalogRepo) GetCondition(ctx context.Context, id uuid.UUID) (*models.Condition, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.conds[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *fakeCatalogRepo) DeleteCondition(ctx context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.conds[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(r.s.conds, id)
	return nil
}

func (r *fakeCatalogRepo) LinkConditionRecord(ctx context.Context, conditionID, recordID uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := [2]uuid.UUID{conditionID, recordID}
	if r.s.condRec[key] {
		return false, nil
	}
	r.s.condRec[key] = true
	return true, nil
}

func (r *fakeCatalogRepo) ListAliases(ctx context.Context, drugID uuid.UUID) ([]*models.DrugAlias, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.DrugAlias
	for _, a := range r.s.aliases {
		if a.DrugID == drugID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *fakeCatalogRepo) CreateAlias(ctx context.Context, alias *models.DrugAlias) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.aliases {
		if a.DrugID == alias.DrugID && strings.EqualFold(a.Name, alias.Name) {
			return false, nil
		}
	}
	cp := *alias
	r.s.aliases[alias.ID] = &cp
	return true, nil
}

func (r *fakeCatalogRepo) GetAlias(ctx context.Context, id uuid.UUID) (*models.DrugAlias, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.aliases[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeCatalogRepo) DeleteAlias(ctx context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.aliases[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(r.s.aliases, id)
	return nil
}

// ============================================================================
// Search index repository
// ============================================================================

// fakeSearchIndexRepo ranks by case-insensitive substring match: rows whose
// name contains the query rank above rows matching only on content.
type fakeSearchIndexRepo struct {
	s *memStore

	rankCalls    int
	hydrateCalls int
	rankErr      error
}

var _ repositories.SearchIndexRepository = (*fakeSearchIndexRepo)(nil)

func (r *fakeSearchIndexRepo) Upsert(ctx context.Context, entry *models.SearchIndexEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := indexKey(entry.EntityKind, entry.EntityID)
	existing, ok := r.s.index[key]
	if !ok {
		r.s.nextIdx++
		existing = &models.SearchIndexEntry{ID: r.s.nextIdx}
		r.s.index[key] = existing
	}
	id := existing.ID
	*existing = *entry
	existing.ID = id
	existing.VectorComputed = false
	existing.UpdatedAt = time.Now()
	entry.ID = id
	entry.VectorComputed = false
	return nil
}

func (r *fakeSearchIndexRepo) Delete(ctx context.Context, kind models.EntityKind, entityID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.index, indexKey(kind, entityID))
	return nil
}

func (r *fakeSearchIndexRepo) GetByEntity(ctx context.Context, kind models.EntityKind, entityID uuid.UUID) (*models.SearchIndexEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.index[indexKey(kind, entityID)]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (r *fakeSearchIndexRepo) GetByIDsOrdered(ctx context.Context, ids []int64) ([]*models.SearchIndexEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.hydrateCalls++
	byID := make(map[int64]*models.SearchIndexEntry, len(r.s.index))
	for _, e := range r.s.index {
		byID[e.ID] = e
	}
	var out []*models.SearchIndexEntry
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeSearchIndexRepo) RecomputeVectors(ctx context.Context, ids []int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var n int64
	for _, e := range r.s.index {
		if want[e.ID] {
			e.VectorComputed = true
			n++
		}
	}
	return n, nil
}

func (r *fakeSearchIndexRepo) ListUnprocessedIDs(ctx context.Context) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []int64
	for _, e := range r.s.index {
		if !e.VectorComputed {
			ids = append(ids, e.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *fakeSearchIndexRepo) Rank(ctx context.Context, query string, lexicalThreshold, similarityThreshold float64, limit int) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.rankCalls++
	if r.rankErr != nil {
		return nil, r.rankErr
	}

	type scored struct {
		id   int64
		name bool
	}
	var hits []scored
	for _, e := range r.s.index {
		if !e.Searchable {
			continue
		}
		inName := strings.Contains(strings.ToLower(e.Name), query)
		inContent := strings.Contains(strings.ToLower(e.Content), query)
		if inName || inContent {
			hits = append(hits, scored{id: e.ID, name: inName})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].name != hits[j].name {
			return hits[i].name
		}
		return hits[i].id < hits[j].id
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids, nil
}

// ============================================================================
// Query log repository
// ============================================================================

type fakeQueryLogRepo struct {
	s *memStore
}

var _ repositories.QueryLogRepository = (*fakeQueryLogRepo)(nil)

func (r *fakeQueryLogRepo) Increment(ctx context.Context, normalizedQuery string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	entry, ok := r.s.queryLog[normalizedQuery]
	if !ok {
		entry = &models.QueryLog{NormalizedQuery: normalizedQuery, CreatedAt: time.Now()}
		r.s.queryLog[normalizedQuery] = entry
	}
	entry.HitCount++
	entry.UpdatedAt = time.Now()
	return nil
}

func (r *fakeQueryLogRepo) Get(ctx context.Context, normalizedQuery string) (*models.QueryLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	entry, ok := r.s.queryLog[normalizedQuery]
	if !ok {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (r *fakeQueryLogRepo) Top(ctx context.Context, n int) ([]*models.QueryLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.QueryLog
	for _, entry := range r.s.queryLog {
		cp := *entry
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HitCount != out[j].HitCount {
			return out[i].HitCount > out[j].HitCount
		}
		return out[i].NormalizedQuery < out[j].NormalizedQuery
	})
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// ============================================================================
// Cache that always fails
// ============================================================================

var errCacheDown = errors.New("dial tcp 127.0.0.1:6379: connection refused")

type failingCache struct{}

var _ cache.Cache = failingCache{}

func (failingCache) Get(context.Context, string) ([]byte, error) { return nil, errCacheDown }
func (failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return errCacheDown
}
func (failingCache) Delete(context.Context, ...string) error { return errCacheDown }
func (failingCache) TTL(context.Context, string) (time.Duration, error) {
	return 0, errCacheDown
}
func (failingCache) Incr(context.Context, string) (int64, error) { return 0, errCacheDown }

// ============================================================================
// Wiring
// ============================================================================

func testImportConfig() config.ImportConfig {
	return config.ImportConfig{
		TaxonomyChunkSize:  5,
		ClinicalBatchSize:  3,
		ReconcileBatchSize: 2,
		VectorBatchSize:    2,
		MaxWorkers:         4,
		MaxAttempts:        3,
		InitialBackoff:     time.Millisecond,
		MaxBackoff:         2 * time.Millisecond,
	}
}

func testSearchConfig() config.SearchConfig {
	return config.SearchConfig{
		BaseCacheTTL:        time.Minute,
		LexicalThreshold:    0.1,
		SimilarityThreshold: 0.3,
		ResultLimit:         50,
		SnapshotCacheTTL:    time.Minute,
		PrewarmTop:          10,
		PrewarmConcurrency:  2,
	}
}

// testEnv wires every service over one in-memory store.
type testEnv struct {
	store *memStore
	tx    *fakeTx

	snapshotRepo  *fakeSnapshotRepo
	hierarchyRepo *fakeHierarchyRepo
	clinicalRepo  *fakeClinicalRepo
	catalogRepo   *fakeCatalogRepo
	indexRepo     *fakeSearchIndexRepo
	queryLogRepo  *fakeQueryLogRepo

	snapshotCache *cache.MemoryCache
	searchCache   *cache.MemoryCache

	queues     *QueueFactory
	index      SearchIndexService
	reconciler ReconciliationService
	snapshots  SnapshotService
	processor  ChunkProcessor
	imports    ImportService
	search     SearchService
	aliases    AliasService
	catalog    CatalogService
}

func newTestEnv() *testEnv {
	logger := zap.NewNop()
	store := newMemStore()
	env := &testEnv{
		store:         store,
		tx:            &fakeTx{},
		snapshotRepo:  &fakeSnapshotRepo{s: store},
		hierarchyRepo: &fakeHierarchyRepo{s: store},
		clinicalRepo:  &fakeClinicalRepo{s: store},
		catalogRepo:   &fakeCatalogRepo{s: store},
		indexRepo:     &fakeSearchIndexRepo{s: store},
		queryLogRepo:  &fakeQueryLogRepo{s: store},
		snapshotCache: cache.NewMemoryCache(),
		searchCache:   cache.NewMemoryCache(),
	}

	importCfg := testImportConfig()
	env.queues = NewQueueFactory(importCfg, logger)
	env.index = NewSearchIndexService(env.tx, env.indexRepo, env.queues, importCfg.VectorBatchSize, logger)
	env.reconciler = NewReconciliationService(env.tx, env.hierarchyRepo, env.clinicalRepo, env.catalogRepo,
		env.index, env.queues, importCfg.ReconcileBatchSize, logger)
	env.snapshots = NewSnapshotService(env.tx, env.snapshotRepo, env.snapshotCache, time.Minute,
		env.reconciler, retry.ForAttempts(3, time.Millisecond, 2*time.Millisecond), logger)
	env.processor = NewChunkProcessor(env.tx, env.hierarchyRepo, env.clinicalRepo, env.snapshots, logger)
	env.imports = NewImportService(env.snapshots, env.processor, env.queues, importCfg, logger)
	env.search = NewSearchService(env.tx, env.indexRepo, env.queryLogRepo, env.searchCache, testSearchConfig(), logger)
	env.aliases = NewAliasService(env.tx, env.catalogRepo, env.index, logger)
	env.catalog = NewCatalogService(env.tx, env.catalogRepo, env.index, logger)
	return env
}

func (e *testEnv) snapshot(id uuid.UUID) *models.Snapshot {
	snap, err := e.snapshotRepo.GetByID(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return snap
}

func (e *testEnv) drugsNamed(name string) []*models.Drug {
	drugs, _ := e.catalogRepo.FindDrugsByName(context.Background(), name)
	return drugs
}
