package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/blang/semver/v4"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stark-io/stark/pkg/apierror"
	"github.com/stark-io/stark/pkg/events"
	"github.com/stark-io/stark/pkg/stark"
)

// Each entity is persisted as a JSONB document alongside the columns the
// gateway filters on. Optimistic concurrency rides on the revision column:
// updates compare-and-swap it and classify a zero-row update as a stale read.
const schema = `
CREATE TABLE IF NOT EXISTS packs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	owner_id TEXT NOT NULL DEFAULT '',
	visibility TEXT NOT NULL DEFAULT 'private',
	revision BIGINT NOT NULL,
	data JSONB NOT NULL,
	UNIQUE (name, version)
);
CREATE TABLE IF NOT EXISTS nodes (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL,
	revision BIGINT NOT NULL,
	data JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS pods (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	service_id TEXT NOT NULL DEFAULT '',
	node_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	revision BIGINT NOT NULL,
	data JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS pods_service_idx ON pods (service_id);
CREATE INDEX IF NOT EXISTS pods_node_idx ON pods (node_id);
CREATE TABLE IF NOT EXISTS services (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	revision BIGINT NOT NULL,
	data JSONB NOT NULL,
	UNIQUE (namespace, name)
);
CREATE TABLE IF NOT EXISTS namespaces (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	revision BIGINT NOT NULL,
	data JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS network_policies (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	source_service TEXT NOT NULL,
	target_service TEXT NOT NULL,
	revision BIGINT NOT NULL,
	data JSONB NOT NULL,
	UNIQUE (source_service, target_service, namespace)
);
CREATE TABLE IF NOT EXISTS pod_history (
	pod_id TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	ts TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS pod_history_idx ON pod_history (pod_id, ts);
`

type sqlStore struct {
	db  *sqlx.DB
	bus *events.Bus
}

// NewSQL opens the Postgres-backed gateway and ensures the schema exists.
func NewSQL(ctx context.Context, dsn string, bus *events.Bus) (Interface, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, apierror.NewBackendUnavailable(err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, apierror.NewBackendUnavailable(errors.Wrap(err, "schema setup failed"))
	}
	logrus.Infof("Connected to store backend")
	return &sqlStore{db: db, bus: bus}, nil
}

// classify maps a raw backend error to a gateway error. Raw SQL errors never
// leave this package.
func classify(err error, entity, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apierror.NewNotFound(entity, key)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return apierror.NewConflict(entity, key, "unique constraint violated")
		case "40001":
			return apierror.NewPreconditionFailed(entity, key)
		}
	}
	if errors.Is(err, context.Canceled) {
		return apierror.Wrap(err, apierror.KindCanceled, "Canceled", "store operation canceled")
	}
	return apierror.NewBackendUnavailable(err)
}

func (s *sqlStore) publish(kind events.Kind, action events.Action, key string, old, new interface{}) {
	if s.bus != nil {
		s.bus.Publish(events.Event{Kind: kind, Action: action, Key: key, Old: old, New: new})
	}
}

func marshalDoc(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, apierror.NewInternal(errors.Wrap(err, "failed to encode row"))
	}
	return raw, nil
}

type row struct {
	Revision int64  `db:"revision"`
	Data     []byte `db:"data"`
}

func (s *sqlStore) getDoc(ctx context.Context, query, entity, key string, out interface{}, args ...interface{}) error {
	var r row
	if err := s.db.GetContext(ctx, &r, query, args...); err != nil {
		return classify(err, entity, key)
	}
	if err := json.Unmarshal(r.Data, out); err != nil {
		return apierror.NewInternal(errors.Wrapf(err, "corrupt %s row %s", entity, key))
	}
	return nil
}

func (s *sqlStore) listDocs(ctx context.Context, query string, entity string, each func([]byte) error, args ...interface{}) error {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return classify(err, entity, "")
	}
	defer rows.Close()
	for rows.Next() {
		var r row
		if err := rows.StructScan(&r); err != nil {
			return classify(err, entity, "")
		}
		if err := each(r.Data); err != nil {
			return err
		}
	}
	return classify(rows.Err(), entity, "")
}

func (s *sqlStore) Packs() PackStore           { return &sqlPacks{s} }
func (s *sqlStore) Nodes() NodeStore           { return &sqlNodes{s} }
func (s *sqlStore) Pods() PodStore             { return &sqlPods{s} }
func (s *sqlStore) Services() ServiceStore     { return &sqlServices{s} }
func (s *sqlStore) Namespaces() NamespaceStore { return &sqlNamespaces{s} }
func (s *sqlStore) Policies() PolicyStore      { return &sqlPolicies{s} }
func (s *sqlStore) PodHistory() PodHistoryStore {
	return &sqlHistory{s}
}

type sqlPacks struct{ *sqlStore }

func (s *sqlPacks) Create(ctx context.Context, pack *stark.Pack) error {
	if pack.ID == "" {
		pack.ID = uuid.NewString()
	}
	if pack.CreatedAt.IsZero() {
		pack.CreatedAt = time.Now()
	}
	pack.Revision = 1
	doc, err := marshalDoc(pack)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO packs (id, name, version, owner_id, visibility, revision, data) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pack.ID, pack.Name, pack.Version, pack.OwnerID, pack.Visibility, pack.Revision, doc)
	if err != nil {
		return classify(err, "pack", pack.Name+"@"+pack.Version)
	}
	s.publish(events.KindPack, events.ActionCreated, pack.ID, nil, pack)
	return nil
}

func (s *sqlPacks) Get(ctx context.Context, id string) (*stark.Pack, error) {
	pack := &stark.Pack{}
	err := s.getDoc(ctx, `SELECT revision, data FROM packs WHERE id = $1`, "pack", id, pack, id)
	return pack, err
}

func (s *sqlPacks) GetByNameVersion(ctx context.Context, name, version string) (*stark.Pack, error) {
	pack := &stark.Pack{}
	err := s.getDoc(ctx, `SELECT revision, data FROM packs WHERE name = $1 AND version = $2`,
		"pack", name+"@"+version, pack, name, version)
	return pack, err
}

func (s *sqlPacks) Latest(ctx context.Context, name string) (*stark.Pack, error) {
	packs, err := s.List(ctx, PackFilter{Name: name})
	if err != nil {
		return nil, err
	}
	var best *stark.Pack
	var bestVer semver.Version
	for _, pack := range packs {
		ver, err := semver.ParseTolerant(pack.Version)
		if err != nil {
			continue
		}
		if best == nil || ver.GT(bestVer) {
			best, bestVer = pack, ver
		}
	}
	if best == nil {
		return nil, apierror.NewNotFound("pack", name)
	}
	return best, nil
}

func (s *sqlPacks) List(ctx context.Context, filter PackFilter) ([]*stark.Pack, error) {
	query := `SELECT revision, data FROM packs WHERE ($1 = '' OR name = $1) AND ($2 = '' OR owner_id = $2) AND ($3 = '' OR visibility = $3) ORDER BY id`
	query, args := paginate(query, filter.Limit, filter.Offset, filter.Name, filter.OwnerID, string(filter.Visibility))
	var out []*stark.Pack
	err := s.listDocs(ctx, query, "pack", func(data []byte) error {
		pack := &stark.Pack{}
		if err := json.Unmarshal(data, pack); err != nil {
			return apierror.NewInternal(err)
		}
		out = append(out, pack)
		return nil
	}, args...)
	return out, err
}

func (s *sqlPacks) Delete(ctx context.Context, id string) error {
	pack, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM packs WHERE id = $1`, id); err != nil {
		return classify(err, "pack", id)
	}
	s.publish(events.KindPack, events.ActionDeleted, id, pack, nil)
	return nil
}

type sqlNodes struct{ *sqlStore }

func (s *sqlNodes) Create(ctx context.Context, node *stark.Node) error {
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}
	node.Revision = 1
	doc, err := marshalDoc(node)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO nodes (id, name, status, revision, data) VALUES ($1, $2, $3, $4, $5)`,
		node.ID, node.Name, node.Status, node.Revision, doc)
	if err != nil {
		return classify(err, "node", node.Name)
	}
	s.publish(events.KindNode, events.ActionCreated, node.ID, nil, node)
	return nil
}

func (s *sqlNodes) Get(ctx context.Context, id string) (*stark.Node, error) {
	node := &stark.Node{}
	err := s.getDoc(ctx, `SELECT revision, data FROM nodes WHERE id = $1`, "node", id, node, id)
	return node, err
}

func (s *sqlNodes) GetByName(ctx context.Context, name string) (*stark.Node, error) {
	node := &stark.Node{}
	err := s.getDoc(ctx, `SELECT revision, data FROM nodes WHERE name = $1`, "node", name, node, name)
	return node, err
}

func (s *sqlNodes) List(ctx context.Context, filter NodeFilter) ([]*stark.Node, error) {
	query := `SELECT revision, data FROM nodes WHERE ($1 = '' OR status = $1) ORDER BY id`
	query, args := paginate(query, filter.Limit, filter.Offset, string(filter.Status))
	var out []*stark.Node
	err := s.listDocs(ctx, query, "node", func(data []byte) error {
		node := &stark.Node{}
		if err := json.Unmarshal(data, node); err != nil {
			return apierror.NewInternal(err)
		}
		out = append(out, node)
		return nil
	}, args...)
	return out, err
}

func (s *sqlNodes) Update(ctx context.Context, id string, mutate func(*stark.Node) error) (*stark.Node, error) {
	old, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := *old
	next.Labels = copyMap(old.Labels)
	next.Taints = append([]stark.Taint(nil), old.Taints...)
	if err := mutate(&next); err != nil {
		return nil, err
	}
	next.Revision = old.Revision + 1
	doc, err := marshalDoc(&next)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET name = $1, status = $2, revision = $3, data = $4 WHERE id = $5 AND revision = $6`,
		next.Name, next.Status, next.Revision, doc, id, old.Revision)
	if err != nil {
		return nil, classify(err, "node", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apierror.NewPreconditionFailed("node", id)
	}
	s.publish(events.KindNode, events.ActionUpdated, id, old, &next)
	return &next, nil
}

func (s *sqlNodes) Delete(ctx context.Context, id string) error {
	node, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = $1`, id); err != nil {
		return classify(err, "node", id)
	}
	s.publish(events.KindNode, events.ActionDeleted, id, node, nil)
	return nil
}

type sqlPods struct{ *sqlStore }

func (s *sqlPods) Create(ctx context.Context, pod *stark.Pod) error {
	if pod.ID == "" {
		pod.ID = uuid.NewString()
	}
	if pod.Status == "" {
		pod.Status = stark.PodPending
	}
	if pod.CreatedAt.IsZero() {
		pod.CreatedAt = time.Now()
	}
	pod.Revision = 1
	doc, err := marshalDoc(pod)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pods (id, namespace, service_id, node_id, status, revision, data) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pod.ID, pod.Namespace, pod.ServiceID, pod.NodeID, pod.Status, pod.Revision, doc)
	if err != nil {
		return classify(err, "pod", pod.ID)
	}
	s.publish(events.KindPod, events.ActionCreated, pod.ID, nil, pod)
	return nil
}

func (s *sqlPods) Get(ctx context.Context, id string) (*stark.Pod, error) {
	pod := &stark.Pod{}
	err := s.getDoc(ctx, `SELECT revision, data FROM pods WHERE id = $1`, "pod", id, pod, id)
	return pod, err
}

func (s *sqlPods) List(ctx context.Context, filter PodFilter) ([]*stark.Pod, error) {
	query := `SELECT revision, data FROM pods WHERE ($1 = '' OR namespace = $1) AND ($2 = '' OR service_id = $2) AND ($3 = '' OR node_id = $3) ORDER BY id`
	query, args := paginate(query, filter.Limit, filter.Offset, filter.Namespace, filter.ServiceID, filter.NodeID)
	var out []*stark.Pod
	err := s.listDocs(ctx, query, "pod", func(data []byte) error {
		pod := &stark.Pod{}
		if err := json.Unmarshal(data, pod); err != nil {
			return apierror.NewInternal(err)
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, pod.Status) {
			return nil
		}
		out = append(out, pod)
		return nil
	}, args...)
	return out, err
}

func (s *sqlPods) writeCAS(ctx context.Context, old, next *stark.Pod) error {
	doc, err := marshalDoc(next)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pods SET namespace = $1, service_id = $2, node_id = $3, status = $4, revision = $5, data = $6 WHERE id = $7 AND revision = $8`,
		next.Namespace, next.ServiceID, next.NodeID, next.Status, next.Revision, doc, next.ID, old.Revision)
	if err != nil {
		return classify(err, "pod", next.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.NewPreconditionFailed("pod", next.ID)
	}
	return nil
}

func (s *sqlPods) Update(ctx context.Context, id string, mutate func(*stark.Pod) error) (*stark.Pod, error) {
	old, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := *old
	next.Labels = copyMap(old.Labels)
	next.Tolerations = append([]stark.Toleration(nil), old.Tolerations...)
	if err := mutate(&next); err != nil {
		return nil, err
	}
	next.Revision = old.Revision + 1
	if err := s.writeCAS(ctx, old, &next); err != nil {
		return nil, err
	}
	s.publish(events.KindPod, events.ActionUpdated, id, old, &next)
	return &next, nil
}

func (s *sqlPods) Transition(ctx context.Context, id string, from, to stark.PodStatus, mutate func(*stark.Pod)) (*stark.Pod, error) {
	if !stark.ValidPodTransition(from, to) {
		return nil, apierror.NewValidation("pod transition %s -> %s is not allowed", from, to)
	}
	old, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if old.Status != from {
		return nil, apierror.NewPreconditionFailed("pod", id)
	}
	next := *old
	next.Status = to
	if mutate != nil {
		mutate(&next)
	}
	next.Revision = old.Revision + 1
	if err := s.writeCAS(ctx, old, &next); err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO pod_history (pod_id, from_status, to_status, message, ts) VALUES ($1, $2, $3, $4, $5)`,
		id, from, to, next.StatusMessage, time.Now()); err != nil {
		logrus.Warnf("Failed to record pod %s history: %v", id, err)
	}
	s.publish(events.KindPod, events.ActionUpdated, id, old, &next)
	return &next, nil
}

func (s *sqlPods) Delete(ctx context.Context, id string) error {
	pod, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pods WHERE id = $1`, id); err != nil {
		return classify(err, "pod", id)
	}
	s.publish(events.KindPod, events.ActionDeleted, id, pod, nil)
	return nil
}

type sqlServices struct{ *sqlStore }

func (s *sqlServices) Create(ctx context.Context, svc *stark.Service) error {
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	now := time.Now()
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = now
	}
	svc.UpdatedAt = now
	svc.Revision = 1
	doc, err := marshalDoc(svc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO services (id, namespace, name, status, revision, data) VALUES ($1, $2, $3, $4, $5, $6)`,
		svc.ID, svc.Namespace, svc.Name, svc.Status, svc.Revision, doc)
	if err != nil {
		return classify(err, "service", svc.Namespace+"/"+svc.Name)
	}
	s.publish(events.KindService, events.ActionCreated, svc.ID, nil, svc)
	return nil
}

func (s *sqlServices) Get(ctx context.Context, id string) (*stark.Service, error) {
	svc := &stark.Service{}
	err := s.getDoc(ctx, `SELECT revision, data FROM services WHERE id = $1`, "service", id, svc, id)
	return svc, err
}

func (s *sqlServices) GetByName(ctx context.Context, namespace, name string) (*stark.Service, error) {
	svc := &stark.Service{}
	err := s.getDoc(ctx, `SELECT revision, data FROM services WHERE namespace = $1 AND name = $2`,
		"service", namespace+"/"+name, svc, namespace, name)
	return svc, err
}

func (s *sqlServices) List(ctx context.Context, filter ServiceFilter) ([]*stark.Service, error) {
	query := `SELECT revision, data FROM services WHERE ($1 = '' OR namespace = $1) AND ($2 = '' OR status = $2) ORDER BY id`
	query, args := paginate(query, filter.Limit, filter.Offset, filter.Namespace, string(filter.Status))
	var out []*stark.Service
	err := s.listDocs(ctx, query, "service", func(data []byte) error {
		svc := &stark.Service{}
		if err := json.Unmarshal(data, svc); err != nil {
			return apierror.NewInternal(err)
		}
		out = append(out, svc)
		return nil
	}, args...)
	return out, err
}

func (s *sqlServices) Update(ctx context.Context, id string, mutate func(*stark.Service) error) (*stark.Service, error) {
	old, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := *old
	next.PodLabels = copyMap(old.PodLabels)
	next.AllowedSources = append([]string(nil), old.AllowedSources...)
	if err := mutate(&next); err != nil {
		return nil, err
	}
	next.Revision = old.Revision + 1
	next.UpdatedAt = time.Now()
	doc, err := marshalDoc(&next)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE services SET namespace = $1, name = $2, status = $3, revision = $4, data = $5 WHERE id = $6 AND revision = $7`,
		next.Namespace, next.Name, next.Status, next.Revision, doc, id, old.Revision)
	if err != nil {
		return nil, classify(err, "service", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apierror.NewPreconditionFailed("service", id)
	}
	s.publish(events.KindService, events.ActionUpdated, id, old, &next)
	return &next, nil
}

func (s *sqlServices) Delete(ctx context.Context, id string) error {
	svc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM services WHERE id = $1`, id); err != nil {
		return classify(err, "service", id)
	}
	s.publish(events.KindService, events.ActionDeleted, id, svc, nil)
	return nil
}

type sqlNamespaces struct{ *sqlStore }

func (s *sqlNamespaces) Create(ctx context.Context, ns *stark.Namespace) error {
	if ns.ID == "" {
		ns.ID = uuid.NewString()
	}
	if ns.Phase == "" {
		ns.Phase = stark.NamespaceActive
	}
	if ns.CreatedAt.IsZero() {
		ns.CreatedAt = time.Now()
	}
	ns.Revision = 1
	doc, err := marshalDoc(ns)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO namespaces (id, name, revision, data) VALUES ($1, $2, $3, $4)`,
		ns.ID, ns.Name, ns.Revision, doc)
	if err != nil {
		return classify(err, "namespace", ns.Name)
	}
	s.publish(events.KindNamespace, events.ActionCreated, ns.ID, nil, ns)
	return nil
}

func (s *sqlNamespaces) Get(ctx context.Context, id string) (*stark.Namespace, error) {
	ns := &stark.Namespace{}
	err := s.getDoc(ctx, `SELECT revision, data FROM namespaces WHERE id = $1`, "namespace", id, ns, id)
	return ns, err
}

func (s *sqlNamespaces) GetByName(ctx context.Context, name string) (*stark.Namespace, error) {
	ns := &stark.Namespace{}
	err := s.getDoc(ctx, `SELECT revision, data FROM namespaces WHERE name = $1`, "namespace", name, ns, name)
	return ns, err
}

func (s *sqlNamespaces) List(ctx context.Context) ([]*stark.Namespace, error) {
	var out []*stark.Namespace
	err := s.listDocs(ctx, `SELECT revision, data FROM namespaces ORDER BY name`, "namespace", func(data []byte) error {
		ns := &stark.Namespace{}
		if err := json.Unmarshal(data, ns); err != nil {
			return apierror.NewInternal(err)
		}
		out = append(out, ns)
		return nil
	})
	return out, err
}

func (s *sqlNamespaces) Update(ctx context.Context, id string, mutate func(*stark.Namespace) error) (*stark.Namespace, error) {
	old, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := *old
	next.Labels = copyMap(old.Labels)
	if err := mutate(&next); err != nil {
		return nil, err
	}
	next.Revision = old.Revision + 1
	doc, err := marshalDoc(&next)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE namespaces SET name = $1, revision = $2, data = $3 WHERE id = $4 AND revision = $5`,
		next.Name, next.Revision, doc, id, old.Revision)
	if err != nil {
		return nil, classify(err, "namespace", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apierror.NewPreconditionFailed("namespace", id)
	}
	s.publish(events.KindNamespace, events.ActionUpdated, id, old, &next)
	return &next, nil
}

func (s *sqlNamespaces) Delete(ctx context.Context, id string) error {
	ns, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM namespaces WHERE id = $1`, id); err != nil {
		return classify(err, "namespace", id)
	}
	s.publish(events.KindNamespace, events.ActionDeleted, id, ns, nil)
	return nil
}

type sqlPolicies struct{ *sqlStore }

func (s *sqlPolicies) Create(ctx context.Context, policy *stark.NetworkPolicy) error {
	if policy.ID == "" {
		policy.ID = uuid.NewString()
	}
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = time.Now()
	}
	policy.Revision = 1
	doc, err := marshalDoc(policy)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO network_policies (id, namespace, source_service, target_service, revision, data) VALUES ($1, $2, $3, $4, $5, $6)`,
		policy.ID, policy.Namespace, policy.SourceService, policy.TargetService, policy.Revision, doc)
	if err != nil {
		return classify(err, "policy", policy.SourceService+"->"+policy.TargetService)
	}
	s.publish(events.KindPolicy, events.ActionCreated, policy.ID, nil, policy)
	return nil
}

func (s *sqlPolicies) Get(ctx context.Context, id string) (*stark.NetworkPolicy, error) {
	policy := &stark.NetworkPolicy{}
	err := s.getDoc(ctx, `SELECT revision, data FROM network_policies WHERE id = $1`, "policy", id, policy, id)
	return policy, err
}

func (s *sqlPolicies) List(ctx context.Context, namespace string) ([]*stark.NetworkPolicy, error) {
	var out []*stark.NetworkPolicy
	err := s.listDocs(ctx,
		`SELECT revision, data FROM network_policies WHERE ($1 = '' OR namespace = $1) ORDER BY id`,
		"policy", func(data []byte) error {
			policy := &stark.NetworkPolicy{}
			if err := json.Unmarshal(data, policy); err != nil {
				return apierror.NewInternal(err)
			}
			out = append(out, policy)
			return nil
		}, namespace)
	return out, err
}

func (s *sqlPolicies) Delete(ctx context.Context, id string) error {
	policy, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM network_policies WHERE id = $1`, id); err != nil {
		return classify(err, "policy", id)
	}
	s.publish(events.KindPolicy, events.ActionDeleted, id, policy, nil)
	return nil
}

type sqlHistory struct{ *sqlStore }

func (s *sqlHistory) Append(ctx context.Context, entry *stark.PodHistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pod_history (pod_id, from_status, to_status, message, ts) VALUES ($1, $2, $3, $4, $5)`,
		entry.PodID, entry.From, entry.To, entry.Message, entry.Timestamp)
	return classify(err, "podHistory", entry.PodID)
}

func (s *sqlHistory) List(ctx context.Context, podID string) ([]*stark.PodHistoryEntry, error) {
	var out []*stark.PodHistoryEntry
	rows, err := s.db.QueryxContext(ctx,
		`SELECT pod_id, from_status, to_status, message, ts FROM pod_history WHERE pod_id = $1 ORDER BY ts`, podID)
	if err != nil {
		return nil, classify(err, "podHistory", podID)
	}
	defer rows.Close()
	for rows.Next() {
		entry := &stark.PodHistoryEntry{}
		if err := rows.StructScan(entry); err != nil {
			return nil, classify(err, "podHistory", podID)
		}
		out = append(out, entry)
	}
	return out, classify(rows.Err(), "podHistory", podID)
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// paginate appends LIMIT/OFFSET clauses using positional parameters past the
// filter arguments.
func paginate(query string, limit, offset int, args ...interface{}) (string, []interface{}) {
	out := make([]interface{}, len(args))
	copy(out, args)
	n := len(out)
	if limit > 0 {
		n++
		query += " LIMIT $" + strconv.Itoa(n)
		out = append(out, limit)
	}
	if offset > 0 {
		n++
		query += " OFFSET $" + strconv.Itoa(n)
		out = append(out, offset)
	}
	return query, out
}
