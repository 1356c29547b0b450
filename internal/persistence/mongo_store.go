package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/metatocome/hyperflow/pkg/api"
)

// MongoStore is a Store backed by MongoDB. CommitStep runs inside a session
// transaction, so it needs a replica-set deployment (a single-node replica
// set is fine for development).
type MongoStore struct {
	db *mongo.Database
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store and ensures its indexes.
// dbName defaults to "hyperflow" if empty.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "hyperflow"
	}
	s := &MongoStore{db: client.Database(dbName)}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) templates() *mongo.Collection { return s.db.Collection("templates") }
func (s *MongoStore) workflows() *mongo.Collection { return s.db.Collection("workflows") }
func (s *MongoStore) works() *mongo.Collection     { return s.db.Collection("works") }
func (s *MongoStore) todos() *mongo.Collection     { return s.db.Collection("todos") }
func (s *MongoStore) routes() *mongo.Collection    { return s.db.Collection("routes") }
func (s *MongoStore) timers() *mongo.Collection    { return s.db.Collection("delay_timers") }
func (s *MongoStore) cbpoints() *mongo.Collection  { return s.db.Collection("cbpoints") }
func (s *MongoStore) teams() *mongo.Collection     { return s.db.Collection("teams") }
func (s *MongoStore) crontabs() *mongo.Collection  { return s.db.Collection("crontabs") }
func (s *MongoStore) leases() *mongo.Collection    { return s.db.Collection("leases") }

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)

	type idx struct {
		coll *mongo.Collection
		keys bson.D
		opts *options.IndexOptions
	}
	indexes := []idx{
		{s.templates(), bson.D{{Key: "tenant", Value: 1}, {Key: "tplid", Value: 1}}, unique},
		{s.workflows(), bson.D{{Key: "wfid", Value: 1}}, unique},
		{s.workflows(), bson.D{{Key: "tenant", Value: 1}, {Key: "status", Value: 1}}, nil},
		{s.works(), bson.D{{Key: "workid", Value: 1}}, unique},
		{s.works(), bson.D{{Key: "wfid", Value: 1}}, nil},
		{s.todos(), bson.D{{Key: "todoid", Value: 1}}, unique},
		{s.todos(), bson.D{{Key: "wfid", Value: 1}}, nil},
		{s.todos(), bson.D{{Key: "tenant", Value: 1}, {Key: "doer", Value: 1}, {Key: "status", Value: 1}}, nil},
		{s.routes(), bson.D{{Key: "wfid", Value: 1}, {Key: "_id", Value: 1}}, nil},
		{s.timers(), bson.D{{Key: "wfid", Value: 1}, {Key: "nodeid", Value: 1}}, unique},
		{s.timers(), bson.D{{Key: "time", Value: 1}}, nil},
		{s.cbpoints(), bson.D{{Key: "cbpid", Value: 1}}, unique},
		{s.cbpoints(), bson.D{{Key: "wfid", Value: 1}}, nil},
		{s.teams(), bson.D{{Key: "tenant", Value: 1}, {Key: "teamid", Value: 1}}, unique},
		{s.crontabs(), bson.D{
			{Key: "tenant", Value: 1}, {Key: "tplid", Value: 1}, {Key: "expr", Value: 1},
			{Key: "starters", Value: 1}, {Key: "method", Value: 1},
		}, unique},
	}
	for _, i := range indexes {
		model := mongo.IndexModel{Keys: i.keys}
		if i.opts != nil {
			model.Options = i.opts
		}
		if _, err := i.coll.Indexes().CreateOne(ctx, model); err != nil {
			return err
		}
	}
	return nil
}

// --- templates ---

func (s *MongoStore) CreateTemplate(ctx context.Context, tpl *api.Template) error {
	_, err := s.templates().InsertOne(ctx, tpl)
	if mongo.IsDuplicateKeyError(err) {
		return ErrTemplateExists
	}
	return err
}

func (s *MongoStore) UpdateTemplate(ctx context.Context, tpl *api.Template, ifUpdatedAt time.Time) error {
	res, err := s.templates().ReplaceOne(ctx, bson.M{
		"tenant":        tpl.Tenant,
		"tplid":         tpl.TplID,
		"lastupdatedat": ifUpdatedAt,
	}, tpl)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		n, err := s.templates().CountDocuments(ctx, bson.M{"tenant": tpl.Tenant, "tplid": tpl.TplID})
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrTemplateNotFound
		}
		return ErrStaleTemplate
	}
	return nil
}

func (s *MongoStore) GetTemplate(ctx context.Context, tenant, tplid string) (*api.Template, error) {
	var tpl api.Template
	err := s.templates().FindOne(ctx, bson.M{"tenant": tenant, "tplid": tplid}).Decode(&tpl)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tpl, nil
}

func (s *MongoStore) DeleteTemplate(ctx context.Context, tenant, tplid string) error {
	res, err := s.templates().DeleteOne(ctx, bson.M{"tenant": tenant, "tplid": tplid})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

func (s *MongoStore) ListTemplates(ctx context.Context, tenant string) ([]*api.Template, error) {
	cur, err := s.templates().Find(ctx, bson.M{"tenant": tenant},
		options.Find().SetSort(bson.D{{Key: "tplid", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []*api.Template
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- workflows ---

func (s *MongoStore) CreateWorkflow(ctx context.Context, wf *api.Workflow) error {
	_, err := s.workflows().InsertOne(ctx, wf)
	if mongo.IsDuplicateKeyError(err) {
		return ErrWorkflowExists
	}
	return err
}

func (s *MongoStore) GetWorkflow(ctx context.Context, tenant, wfid string) (*api.Workflow, error) {
	var wf api.Workflow
	err := s.workflows().FindOne(ctx, bson.M{"wfid": wfid, "tenant": tenant}).Decode(&wf)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *MongoStore) ListWorkflows(ctx context.Context, filter api.WorkflowFilter) ([]*api.Workflow, error) {
	q := bson.M{"tenant": filter.Tenant}
	if filter.TplID != "" {
		q["tplid"] = filter.TplID
	}
	if filter.Status != "" {
		q["status"] = filter.Status
	}
	if filter.Starter != "" {
		q["starter"] = filter.Starter
	}
	cur, err := s.workflows().Find(ctx, q,
		options.Find().SetSort(bson.D{{Key: "wfid", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []*api.Workflow
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) CommitStep(ctx context.Context, commit *StepCommit) error {
	sess, err := s.db.Client().StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, s.applyCommit(sc, commit)
	})
	return err
}

func (s *MongoStore) applyCommit(ctx context.Context, commit *StepCommit) error {
	wfFilter := bson.M{"wfid": commit.WFID, "tenant": commit.Tenant}

	var cur api.Workflow
	err := s.workflows().FindOne(ctx, wfFilter).Decode(&cur)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrWorkflowNotFound
	}
	if err != nil {
		return err
	}

	set := bson.M{"updatedat": time.Now()}
	if commit.Doc != "" {
		set["doc"] = commit.Doc
	}
	if commit.KVars != nil {
		set["kvars"] = commit.KVars
	}
	wfStatus := cur.Status
	if commit.SetStatus != "" {
		wfStatus = commit.SetStatus
		set["status"] = commit.SetStatus
	}
	if _, err := s.workflows().UpdateOne(ctx, wfFilter, bson.M{"$set": set}); err != nil {
		return err
	}
	if commit.SetStatus != "" {
		_, err := s.todos().UpdateMany(ctx, bson.M{"wfid": commit.WFID},
			bson.M{"$set": bson.M{"wfstatus": commit.SetStatus}})
		if err != nil {
			return err
		}
	}

	for _, w := range commit.NewWorks {
		if _, err := s.works().InsertOne(ctx, w); err != nil {
			return err
		}
	}
	for _, u := range commit.UpdateWorks {
		_, err := s.works().UpdateOne(ctx,
			bson.M{"workid": u.WorkID, "wfid": commit.WFID},
			bson.M{"$set": bson.M{"status": u.Status, "decision": u.Decision, "doneat": u.DoneAt}})
		if err != nil {
			return err
		}
	}
	if len(commit.DeleteWorks) > 0 {
		_, err := s.works().DeleteMany(ctx,
			bson.M{"wfid": commit.WFID, "workid": bson.M{"$in": commit.DeleteWorks}})
		if err != nil {
			return err
		}
	}

	for _, td := range commit.NewTodos {
		copied := *td
		copied.WfStatus = wfStatus
		if _, err := s.todos().InsertOne(ctx, &copied); err != nil {
			return err
		}
	}
	for _, u := range commit.UpdateTodos {
		set := bson.M{"status": u.Status, "decision": u.Decision, "doneat": u.DoneAt}
		if u.Comment != "" {
			set["comment"] = u.Comment
		}
		if u.Doer != "" {
			set["doer"] = u.Doer
		}
		_, err := s.todos().UpdateOne(ctx, bson.M{"todoid": u.TodoID}, bson.M{"$set": set})
		if err != nil {
			return err
		}
	}
	if len(commit.DeleteTodos) > 0 {
		_, err := s.todos().DeleteMany(ctx, bson.M{"todoid": bson.M{"$in": commit.DeleteTodos}})
		if err != nil {
			return err
		}
	}

	for _, r := range commit.NewRoutes {
		if _, err := s.routes().InsertOne(ctx, r); err != nil {
			return err
		}
	}

	for _, t := range commit.NewTimers {
		_, err := s.timers().ReplaceOne(ctx,
			bson.M{"wfid": t.WFID, "nodeid": t.NodeID}, t,
			options.Replace().SetUpsert(true))
		if err != nil {
			return err
		}
	}
	if len(commit.DeleteTimers) > 0 {
		_, err := s.timers().DeleteMany(ctx,
			bson.M{"wfid": commit.WFID, "nodeid": bson.M{"$in": commit.DeleteTimers}})
		if err != nil {
			return err
		}
	}

	for _, cbp := range commit.NewCbPoints {
		if _, err := s.cbpoints().InsertOne(ctx, cbp); err != nil {
			return err
		}
	}
	if len(commit.DeleteCbPoints) > 0 {
		_, err := s.cbpoints().DeleteMany(ctx, bson.M{"cbpid": bson.M{"$in": commit.DeleteCbPoints}})
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *MongoStore) DestroyWorkflow(ctx context.Context, tenant, wfid string) error {
	sess, err := s.db.Client().StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		res, err := s.workflows().DeleteOne(sc, bson.M{"wfid": wfid, "tenant": tenant})
		if err != nil {
			return nil, err
		}
		if res.DeletedCount == 0 {
			// Nothing to cascade; destroy is idempotent.
			return nil, nil
		}
		byWfid := bson.M{"wfid": wfid}
		for _, coll := range []*mongo.Collection{s.works(), s.todos(), s.routes(), s.timers(), s.cbpoints()} {
			if _, err := coll.DeleteMany(sc, byWfid); err != nil {
				return nil, err
			}
		}
		if _, err := s.leases().DeleteOne(sc, bson.M{"_id": wfid}); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

// --- leases ---

func (s *MongoStore) TryAcquireLease(ctx context.Context, wfid, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	filter := bson.M{
		"_id": wfid,
		"$or": bson.A{
			bson.M{"owner": owner},
			bson.M{"expires_at": bson.M{"$lte": now}},
		},
	}
	update := bson.M{"$set": bson.M{"owner": owner, "expires_at": now.Add(ttl)}}

	res, err := s.leases().UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// The upsert raced against a live lease held by another owner.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0 || res.UpsertedCount > 0, nil
}

func (s *MongoStore) RenewLease(ctx context.Context, wfid, owner string, ttl time.Duration) error {
	res, err := s.leases().UpdateOne(ctx,
		bson.M{"_id": wfid, "owner": owner},
		bson.M{"$set": bson.M{"expires_at": time.Now().Add(ttl)}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

func (s *MongoStore) ReleaseLease(ctx context.Context, wfid, owner string) error {
	_, err := s.leases().DeleteOne(ctx, bson.M{"_id": wfid, "owner": owner})
	return err
}

// --- works / todos / routes ---

func (s *MongoStore) GetWork(ctx context.Context, tenant, wfid, workid string) (*api.Work, error) {
	var w api.Work
	err := s.works().FindOne(ctx,
		bson.M{"workid": workid, "wfid": wfid, "tenant": tenant}).Decode(&w)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrWorkNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *MongoStore) ListWorks(ctx context.Context, tenant, wfid string) ([]*api.Work, error) {
	cur, err := s.works().Find(ctx, bson.M{"wfid": wfid, "tenant": tenant},
		options.Find().SetSort(bson.D{{Key: "createdat", Value: 1}, {Key: "workid", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []*api.Work
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) GetTodo(ctx context.Context, tenant, todoid string) (*api.Todo, error) {
	var td api.Todo
	err := s.todos().FindOne(ctx, bson.M{"todoid": todoid, "tenant": tenant}).Decode(&td)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrTodoNotFound
	}
	if err != nil {
		return nil, err
	}
	return &td, nil
}

func (s *MongoStore) ListTodos(ctx context.Context, filter api.TodoFilter) ([]*api.Todo, error) {
	q := bson.M{"tenant": filter.Tenant}
	if filter.WFID != "" {
		q["wfid"] = filter.WFID
	}
	if filter.WorkID != "" {
		q["workid"] = filter.WorkID
	}
	if filter.Doer != "" {
		q["doer"] = filter.Doer
	}
	if filter.Status != "" {
		q["status"] = filter.Status
	}
	if filter.WfStatus != "" {
		q["wfstatus"] = filter.WfStatus
	}
	cur, err := s.todos().Find(ctx, q,
		options.Find().SetSort(bson.D{{Key: "createdat", Value: 1}, {Key: "todoid", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []*api.Todo
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) ListRoutes(ctx context.Context, tenant, wfid string) ([]*api.Route, error) {
	cur, err := s.routes().Find(ctx, bson.M{"wfid": wfid, "tenant": tenant},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []*api.Route
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- timers / callback points ---

func (s *MongoStore) ClaimDueTimers(ctx context.Context, now time.Time, limit int) ([]*api.DelayTimer, error) {
	var due []*api.DelayTimer
	for len(due) < limit {
		var t api.DelayTimer
		// FindOneAndDelete is atomic, so two scanners never claim the
		// same timer.
		err := s.timers().FindOneAndDelete(ctx, bson.M{"time": bson.M{"$lte": now}},
			options.FindOneAndDelete().SetSort(bson.D{{Key: "time", Value: 1}})).Decode(&t)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return nil, err
		}
		copied := t
		due = append(due, &copied)
	}
	return due, nil
}

func (s *MongoStore) GetDelayTimer(ctx context.Context, tenant, wfid, nodeid string) (*api.DelayTimer, error) {
	var t api.DelayTimer
	err := s.timers().FindOne(ctx,
		bson.M{"wfid": wfid, "nodeid": nodeid, "tenant": tenant}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *MongoStore) GetCbPoint(ctx context.Context, tenant, cbpid string) (*api.CbPoint, error) {
	var cbp api.CbPoint
	err := s.cbpoints().FindOne(ctx, bson.M{"cbpid": cbpid, "tenant": tenant}).Decode(&cbp)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrCbPointNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cbp, nil
}

func (s *MongoStore) ListCbPoints(ctx context.Context, tenant, wfid string) ([]*api.CbPoint, error) {
	cur, err := s.cbpoints().Find(ctx, bson.M{"wfid": wfid, "tenant": tenant},
		options.Find().SetSort(bson.D{{Key: "cbpid", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []*api.CbPoint
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- teams ---

func (s *MongoStore) SaveTeam(ctx context.Context, team *api.Team) error {
	_, err := s.teams().ReplaceOne(ctx,
		bson.M{"tenant": team.Tenant, "teamid": team.TeamID}, team,
		options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) GetTeam(ctx context.Context, tenant, teamid string) (*api.Team, error) {
	var team api.Team
	err := s.teams().FindOne(ctx, bson.M{"tenant": tenant, "teamid": teamid}).Decode(&team)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrTeamNotFound
	}
	if err != nil {
		return nil, err
	}
	return &team, nil
}

func (s *MongoStore) DeleteTeam(ctx context.Context, tenant, teamid string) error {
	res, err := s.teams().DeleteOne(ctx, bson.M{"tenant": tenant, "teamid": teamid})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrTeamNotFound
	}
	return nil
}

func (s *MongoStore) SetTeamRole(ctx context.Context, tenant, teamid, role string, members []api.TeamMember) error {
	res, err := s.teams().UpdateOne(ctx,
		bson.M{"tenant": tenant, "teamid": teamid},
		bson.M{"$set": bson.M{"tmap." + role: members}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrTeamNotFound
	}
	return nil
}

func (s *MongoStore) DeleteTeamRole(ctx context.Context, tenant, teamid, role string) error {
	res, err := s.teams().UpdateOne(ctx,
		bson.M{"tenant": tenant, "teamid": teamid},
		bson.M{"$unset": bson.M{"tmap." + role: ""}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrTeamNotFound
	}
	return nil
}

// --- crontabs ---

func (s *MongoStore) CreateCrontab(ctx context.Context, entry *api.Crontab) error {
	_, err := s.crontabs().InsertOne(ctx, entry)
	if mongo.IsDuplicateKeyError(err) {
		return ErrCrontabExists
	}
	return err
}

func (s *MongoStore) ListCrontabs(ctx context.Context, tenant string) ([]*api.Crontab, error) {
	filter := bson.M{}
	if tenant != "" {
		filter["tenant"] = tenant
	}
	cur, err := s.crontabs().Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "cronid", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []*api.Crontab
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) DeleteCrontab(ctx context.Context, tenant, cronid string) error {
	_, err := s.crontabs().DeleteOne(ctx, bson.M{"cronid": cronid, "tenant": tenant})
	return err
}

func (s *MongoStore) CountCrontabs(ctx context.Context, tenant string) (int, error) {
	n, err := s.crontabs().CountDocuments(ctx, bson.M{"tenant": tenant})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
