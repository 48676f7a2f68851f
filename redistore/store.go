// Package redistore adapts Redis into the document-store contract the
// scheduler core runs against: JSON documents under per-collection keys,
// per-status ZSET indexes, and Lua scripts providing the atomic
// conditional-update-and-return primitive. miniredis executes the same
// scripts, which makes the concurrency properties of the core testable
// in-process.
package redistore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/schedoc/schedoc-go"
)

// Store implements schedoc.TaskStore on a Redis connection.
type Store struct {
	rdb  redis.UniversalClient
	keys keySet
}

// New creates a Store for the given collection name. An empty collection
// defaults to "tasks".
func New(rdb redis.UniversalClient, collection string) *Store {
	if collection == "" {
		collection = "tasks"
	}
	return &Store{rdb: rdb, keys: keysFor(collection)}
}

// updateOneScript is the atomic conditional-update-and-return primitive.
// It picks the first candidate matching the filter (by id, or scanning the
// status index in score order), applies the field assignments, moves the id
// between status indexes, and returns the pre- or post-image.
var updateOneScript = redis.NewScript(`
local ixkey    = KEYS[1]
local docpre   = ARGV[1]
local f        = cjson.decode(ARGV[2])
local u        = cjson.decode(ARGV[3])
local retmode  = ARGV[4]
local newscore = ARGV[5]
local ixpre    = ARGV[6]
local maxscore = ARGV[7]

local function matches(t)
  if f.status and t.status ~= f.status then return false end
  if f.name and t.name ~= f.name then return false end
  if f.nameIn then
    local ok = false
    for _, n in ipairs(f.nameIn) do
      if t.name == n then ok = true end
    end
    if not ok then return false end
  end
  if f.scheduledAtBefore and (t.scheduledAt or 0) > f.scheduledAtBefore then return false end
  if f.timeoutAtBefore and (t.timeoutAt or 0) > f.timeoutAtBefore then return false end
  return true
end

local function apply(id, raw)
  local t = cjson.decode(raw)
  if not matches(t) then return nil end
  local old = t.status
  for k, v in pairs(u) do t[k] = v end
  local after = cjson.encode(t)
  redis.call('SET', docpre .. id, after)
  local score = tonumber(newscore)
  if not score then score = t.scheduledAt or 0 end
  if t.status ~= old then
    redis.call('ZREM', ixpre .. old, id)
    redis.call('ZADD', ixpre .. t.status, score, id)
  elseif newscore ~= '' then
    redis.call('ZADD', ixpre .. t.status, score, id)
  end
  if retmode == 'before' then return raw end
  return after
end

if f.id then
  local raw = redis.call('GET', docpre .. f.id)
  if not raw then return false end
  local res = apply(f.id, raw)
  if res then return res end
  return false
end

local offset = 0
while true do
  local batch = redis.call('ZRANGEBYSCORE', ixkey, '-inf', maxscore, 'LIMIT', offset, 128)
  if #batch == 0 then return false end
  for _, id in ipairs(batch) do
    local raw = redis.call('GET', docpre .. id)
    if raw then
      local res = apply(id, raw)
      if res then return res end
    end
  end
  offset = offset + 128
end
`)

// appendScript pushes one entry onto a document's logs or sideEffects array.
var appendScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return false end
local t = cjson.decode(raw)
local field = ARGV[1]
local entry = cjson.decode(ARGV[2])
if t[field] == nil then t[field] = {} end
table.insert(t[field], entry)
t.updatedAt = tonumber(ARGV[3])
redis.call('SET', KEYS[1], cjson.encode(t))
return #t[field]
`)

// filterDoc is the wire shape of a TaskFilter handed to the Lua scripts.
type filterDoc struct {
	ID                string   `json:"id,omitempty"`
	Name              string   `json:"name,omitempty"`
	NameIn            []string `json:"nameIn,omitempty"`
	Status            string   `json:"status,omitempty"`
	ScheduledAtBefore int64    `json:"scheduledAtBefore,omitempty"`
	TimeoutAtBefore   int64    `json:"timeoutAtBefore,omitempty"`
}

func toFilterDoc(f schedoc.TaskFilter) filterDoc {
	return filterDoc{
		ID:                f.ID,
		Name:              f.Name,
		NameIn:            f.NameIn,
		Status:            string(f.Status),
		ScheduledAtBefore: ms(f.ScheduledAtBefore),
		TimeoutAtBefore:   ms(f.TimeoutAtBefore),
	}
}

func matchDoc(d *doc, f filterDoc) bool {
	if f.ID != "" && d.ID != f.ID {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Name != "" && d.Name != f.Name {
		return false
	}
	if len(f.NameIn) > 0 {
		ok := false
		for _, n := range f.NameIn {
			if d.Name == n {
				ok = true
			}
		}
		if !ok {
			return false
		}
	}
	if f.ScheduledAtBefore != 0 && d.ScheduledAt > f.ScheduledAtBefore {
		return false
	}
	if f.TimeoutAtBefore != 0 && d.TimeoutAt > f.TimeoutAtBefore {
		return false
	}
	return true
}

// Insert persists a new document and indexes it under its status.
func (s *Store) Insert(ctx context.Context, t *schedoc.Task) error {
	d, err := toDoc(t)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if d.CreatedAt == 0 {
		d.CreatedAt = now
	}
	if d.UpdatedAt == 0 {
		d.UpdatedAt = now
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.keys.doc(d.ID), raw, 0)
		p.ZAdd(ctx, s.keys.index(schedoc.Status(d.Status)), redis.Z{Score: d.indexScore(), Member: d.ID})
		return nil
	})
	return err
}

// FindByID loads one document by id.
func (s *Store) FindByID(ctx context.Context, id string) (*schedoc.Task, error) {
	raw, err := s.rdb.Get(ctx, s.keys.doc(id)).Result()
	if err == redis.Nil {
		return nil, schedoc.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeTask([]byte(raw))
}

// FindOne loads the first match in scheduledAt order.
func (s *Store) FindOne(ctx context.Context, f schedoc.TaskFilter) (*schedoc.Task, error) {
	tasks, err := s.FindMany(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, schedoc.ErrTaskNotFound
	}
	first := tasks[0]
	for _, t := range tasks[1:] {
		if t.ScheduledAt.Before(first.ScheduledAt) {
			first = t
		}
	}
	return first, nil
}

// FindMany loads all matches. Reads are not atomic with respect to
// concurrent updates; callers needing a consistent transition go through
// UpdateOneAndReturn.
func (s *Store) FindMany(ctx context.Context, f schedoc.TaskFilter) ([]*schedoc.Task, error) {
	fd := toFilterDoc(f)
	docs, err := s.loadCandidates(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]*schedoc.Task, 0, len(docs))
	for _, d := range docs {
		if !matchDoc(d, fd) {
			continue
		}
		t, err := fromDoc(d)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) loadCandidates(ctx context.Context, f schedoc.TaskFilter) ([]*doc, error) {
	if f.ID != "" {
		raw, err := s.rdb.Get(ctx, s.keys.doc(f.ID)).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		d := new(doc)
		if err := json.Unmarshal([]byte(raw), d); err != nil {
			return nil, err
		}
		return []*doc{d}, nil
	}

	statuses := schedoc.AllStatuses
	if f.Status != "" {
		statuses = []schedoc.Status{f.Status}
	}
	var ids []string
	for _, st := range statuses {
		batch, err := s.rdb.ZRange(ctx, s.keys.index(st), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		ids = append(ids, batch...)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keys.doc(id)
	}
	raws, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	docs := make([]*doc, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		d := new(doc)
		if err := json.Unmarshal([]byte(str), d); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// UpdateOneAndReturn atomically applies the update to the first matching
// document and returns its pre- or post-image.
func (s *Store) UpdateOneAndReturn(ctx context.Context, f schedoc.TaskFilter, u schedoc.TaskUpdate, ret schedoc.ReturnDoc) (*schedoc.Task, error) {
	if f.ID == "" && f.Status == "" {
		return nil, fmt.Errorf("redistore: filter requires an id or a status")
	}

	fd := toFilterDoc(f)
	filterJSON, err := json.Marshal(fd)
	if err != nil {
		return nil, err
	}
	set, newScore, err := updateFields(u)
	if err != nil {
		return nil, err
	}
	updateJSON, err := json.Marshal(set)
	if err != nil {
		return nil, err
	}

	maxScore := "+inf"
	switch {
	case fd.ScheduledAtBefore != 0:
		maxScore = strconv.FormatInt(fd.ScheduledAtBefore, 10)
	case fd.TimeoutAtBefore != 0:
		maxScore = strconv.FormatInt(fd.TimeoutAtBefore, 10)
	}
	retMode := "after"
	if ret == schedoc.ReturnBefore {
		retMode = "before"
	}

	ixStatus := f.Status
	if ixStatus == "" {
		ixStatus = schedoc.StatusPending
	}
	res, err := updateOneScript.Run(ctx, s.rdb,
		[]string{s.keys.index(ixStatus)},
		s.keys.docPrefix(), string(filterJSON), string(updateJSON),
		retMode, newScore, s.keys.indexPrefix(), maxScore,
	).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if err == redis.Nil || res == nil || res == false {
		return nil, schedoc.ErrTaskNotFound
	}
	str, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("redistore: unexpected script result %T", res)
	}
	return decodeTask([]byte(str))
}

// updateFields flattens a TaskUpdate into the field assignments the script
// applies, plus the new index score (timeoutAt while leased, the terminal
// instant otherwise, empty when the score is unchanged).
func updateFields(u schedoc.TaskUpdate) (map[string]any, string, error) {
	set := map[string]any{"updatedAt": time.Now().UnixMilli()}
	newScore := ""
	if u.Status != "" {
		set["status"] = string(u.Status)
	}
	if u.StartedRunningAt != nil {
		set["startedRunningAt"] = u.StartedRunningAt.UnixMilli()
	}
	if u.FinishedRunningAt != nil {
		set["finishedRunningAt"] = u.FinishedRunningAt.UnixMilli()
		newScore = strconv.FormatInt(u.FinishedRunningAt.UnixMilli(), 10)
	}
	if u.TimeoutAt != nil {
		set["timeoutAt"] = u.TimeoutAt.UnixMilli()
		newScore = strconv.FormatInt(u.TimeoutAt.UnixMilli(), 10)
	}
	if u.CancelledAt != nil {
		set["cancelledAt"] = u.CancelledAt.UnixMilli()
	}
	if u.NextScheduledAt != nil {
		set["nextScheduledAt"] = u.NextScheduledAt.UnixMilli()
	}
	if u.WorkerName != "" {
		set["workerName"] = u.WorkerName
	}
	if u.Error != nil {
		e := map[string]any{"message": u.Error.Message}
		if u.Error.Stack != "" {
			e["stack"] = u.Error.Stack
		}
		set["error"] = e
	}
	if u.SetResult && u.Result != nil {
		set["result"] = u.Result
	}
	return set, newScore, nil
}

// PushLog appends one log entry to a document.
func (s *Store) PushLog(ctx context.Context, id string, e schedoc.LogEntry) error {
	extra, err := rawValue(e.Extra)
	if err != nil {
		return err
	}
	entry, err := json.Marshal(docLog{Timestamp: e.Timestamp.UnixMilli(), Message: e.Message, Extra: extra})
	if err != nil {
		return err
	}
	return s.appendEntry(ctx, id, "logs", entry)
}

// PushSideEffect appends one side-effect entry to a document.
func (s *Store) PushSideEffect(ctx context.Context, id string, e schedoc.SideEffect) error {
	params, err := rawValue(e.Params)
	if err != nil {
		return err
	}
	result, err := rawValue(e.Result)
	if err != nil {
		return err
	}
	entry, err := json.Marshal(docEffect{
		Start: e.Start.UnixMilli(), End: e.End.UnixMilli(), Name: e.Name, Params: params, Result: result,
	})
	if err != nil {
		return err
	}
	return s.appendEntry(ctx, id, "sideEffects", entry)
}

func (s *Store) appendEntry(ctx context.Context, id, field string, entry []byte) error {
	res, err := appendScript.Run(ctx, s.rdb,
		[]string{s.keys.doc(id)},
		field, string(entry), strconv.FormatInt(time.Now().UnixMilli(), 10),
	).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if err == redis.Nil || res == nil || res == false {
		return schedoc.ErrTaskNotFound
	}
	return nil
}

// DeleteMany removes all matching documents and their index entries.
func (s *Store) DeleteMany(ctx context.Context, f schedoc.TaskFilter) (int64, error) {
	fd := toFilterDoc(f)
	docs, err := s.loadCandidates(ctx, f)
	if err != nil {
		return 0, err
	}
	var n int64
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, d := range docs {
			if !matchDoc(d, fd) {
				continue
			}
			p.Del(ctx, s.keys.doc(d.ID))
			p.ZRem(ctx, s.keys.index(schedoc.Status(d.Status)), d.ID)
			n++
		}
		return nil
	})
	return n, err
}

func decodeTask(raw []byte) (*schedoc.Task, error) {
	d := new(doc)
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, err
	}
	return fromDoc(d)
}

var _ schedoc.TaskStore = (*Store)(nil)
