package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mkarlsen/stepflow/pkg/api"
)

const mongoOpTimeout = 5 * time.Second

// MongoInstanceStore is an InstanceStore backed by MongoDB.
type MongoInstanceStore struct {
	coll *mongo.Collection
}

var _ InstanceStore = (*MongoInstanceStore)(nil)

// NewMongoInstanceStore creates a Mongo-backed instance store.
// dbName defaults to "stepflow" if empty, collName defaults to "instances".
func NewMongoInstanceStore(client *mongo.Client, dbName, collName string) *MongoInstanceStore {
	if dbName == "" {
		dbName = "stepflow"
	}
	if collName == "" {
		collName = "instances"
	}

	return &MongoInstanceStore{
		coll: client.Database(dbName).Collection(collName),
	}
}

type mongoInstanceDoc struct {
	ID           string `bson:"_id"`
	DefinitionID string `bson:"definition_id"`
	Status       string `bson:"status"`
	CurrentStep  string `bson:"current_step"`
	Context      []byte `bson:"context,omitempty"`
	Error        string `bson:"error,omitempty"`
	WaitKind     string `bson:"wait_kind,omitempty"`
	WaitStep     string `bson:"wait_step,omitempty"`
	WaitSince    int64  `bson:"wait_since,omitempty"`
	WaitDeadline int64  `bson:"wait_deadline,omitempty"`
	StartedAt    int64  `bson:"started_at"`
	UpdatedAt    int64  `bson:"updated_at"`
}

func docFromInstance(inst *api.WorkflowInstance) (*mongoInstanceDoc, error) {
	contextBytes, err := EncodeContext(inst.Context)
	if err != nil {
		return nil, err
	}

	waitKind, waitStep, waitSince, waitDeadline := encodeWait(inst.Wait)

	return &mongoInstanceDoc{
		ID:           inst.ID,
		DefinitionID: inst.DefinitionID,
		Status:       string(inst.Status),
		CurrentStep:  inst.CurrentStep,
		Context:      contextBytes,
		Error:        inst.Error,
		WaitKind:     waitKind,
		WaitStep:     waitStep,
		WaitSince:    waitSince,
		WaitDeadline: waitDeadline,
		StartedAt:    inst.StartedAt.UnixNano(),
		UpdatedAt:    inst.UpdatedAt.UnixNano(),
	}, nil
}

func instanceFromDoc(doc *mongoInstanceDoc) (*api.WorkflowInstance, error) {
	ctxMap, err := DecodeContext(doc.Context)
	if err != nil {
		return nil, err
	}

	return &api.WorkflowInstance{
		ID:           doc.ID,
		DefinitionID: doc.DefinitionID,
		Status:       api.InstanceStatus(doc.Status),
		CurrentStep:  doc.CurrentStep,
		Context:      ctxMap,
		Error:        doc.Error,
		Wait:         decodeWait(doc.WaitKind, doc.WaitStep, doc.WaitSince, doc.WaitDeadline),
		StartedAt:    time.Unix(0, doc.StartedAt),
		UpdatedAt:    time.Unix(0, doc.UpdatedAt),
	}, nil
}

func (s *MongoInstanceStore) CreateInstance(inst *api.WorkflowInstance) error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoOpTimeout)
	defer cancel()

	doc, err := docFromInstance(inst)
	if err != nil {
		return err
	}
	_, err = s.coll.InsertOne(ctx, doc)
	return err
}

func (s *MongoInstanceStore) GetInstance(id string) (*api.WorkflowInstance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mongoOpTimeout)
	defer cancel()

	var doc mongoInstanceDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return instanceFromDoc(&doc)
}

// set applies a $set update and maps a missing document to ErrInstanceNotFound.
func (s *MongoInstanceStore) set(id string, fields bson.M) error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoOpTimeout)
	defer cancel()

	fields["updated_at"] = time.Now().UnixNano()
	res, err := s.coll.UpdateByID(ctx, id, bson.M{"$set": fields})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *MongoInstanceStore) UpdateStatus(id string, status api.InstanceStatus, errMsg string) error {
	return s.set(id, bson.M{
		"status": string(status),
		"error":  errMsg,
	})
}

func (s *MongoInstanceStore) UpdateCurrentStep(id string, stepID string) error {
	return s.set(id, bson.M{"current_step": stepID})
}

func (s *MongoInstanceStore) UpdateContext(id string, context map[string]any) error {
	contextBytes, err := EncodeContext(context)
	if err != nil {
		return err
	}
	return s.set(id, bson.M{"context": contextBytes})
}

func (s *MongoInstanceStore) UpdateWait(id string, wait *api.WaitState) error {
	waitKind, waitStep, waitSince, waitDeadline := encodeWait(wait)
	return s.set(id, bson.M{
		"wait_kind":     waitKind,
		"wait_step":     waitStep,
		"wait_since":    waitSince,
		"wait_deadline": waitDeadline,
	})
}

func (s *MongoInstanceStore) ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mongoOpTimeout)
	defer cancel()

	query := bson.M{}
	if filter.DefinitionID != "" {
		query["definition_id"] = filter.DefinitionID
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}

	cur, err := s.coll.Find(ctx, query)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var instances []*api.WorkflowInstance
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		inst, err := instanceFromDoc(&doc)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return instances, nil
}

// MongoEventStore is an EventStore backed by MongoDB.
type MongoEventStore struct {
	coll *mongo.Collection
}

var _ EventStore = (*MongoEventStore)(nil)

// NewMongoEventStore creates a Mongo-backed event store.
// dbName defaults to "stepflow" if empty, collName defaults to "instance_events".
func NewMongoEventStore(client *mongo.Client, dbName, collName string) *MongoEventStore {
	if dbName == "" {
		dbName = "stepflow"
	}
	if collName == "" {
		collName = "instance_events"
	}

	return &MongoEventStore{
		coll: client.Database(dbName).Collection(collName),
	}
}

type mongoEventDoc struct {
	InstanceID   string `bson:"instance_id"`
	At           int64  `bson:"at"`
	Type         string `bson:"type"`
	DefinitionID string `bson:"definition_id,omitempty"`
	StepID       string `bson:"step_id,omitempty"`
	Detail       string `bson:"detail,omitempty"`
}

func (s *MongoEventStore) AppendEvent(ev api.WorkflowEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoOpTimeout)
	defer cancel()

	_, err := s.coll.InsertOne(ctx, mongoEventDoc{
		InstanceID:   ev.InstanceID,
		At:           ev.At.UnixNano(),
		Type:         string(ev.Type),
		DefinitionID: ev.DefinitionID,
		StepID:       ev.StepID,
		Detail:       ev.Detail,
	})
	return err
}

func (s *MongoEventStore) ListEvents(instanceID string) ([]api.WorkflowEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mongoOpTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "at", Value: 1}})
	cur, err := s.coll.Find(ctx, bson.M{"instance_id": instanceID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var events []api.WorkflowEvent
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		events = append(events, api.WorkflowEvent{
			InstanceID:   doc.InstanceID,
			At:           time.Unix(0, doc.At),
			Type:         api.EventType(doc.Type),
			DefinitionID: doc.DefinitionID,
			StepID:       doc.StepID,
			Detail:       doc.Detail,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
