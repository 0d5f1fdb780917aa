package audit_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/deskagent/runtime/agent"
	"goa.design/deskagent/runtime/agent/audit"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongoDB(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		skipMongoTests = true
		return
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		skipMongoTests = true
		return
	}
	if err := testMongoClient.Ping(ctx, nil); err != nil {
		skipMongoTests = true
		return
	}
}

func getMongoLog(t *testing.T) *audit.Mongo {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB(t)
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	db := t.Name()
	log, err := audit.NewMongo(context.Background(), audit.MongoOptions{
		Client:   testMongoClient,
		Database: db,
	})
	require.NoError(t, err)
	return log
}

func TestMongoAppendAndListRoundTrip(t *testing.T) {
	log := getMongoLog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, log.Append(ctx, "run-1", mkRecord(i)))
	}

	page, err := log.List(ctx, "run-1", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 3)
	require.Empty(t, page.NextCursor)
}

func TestMongoRedactsSecretTaggedActionText(t *testing.T) {
	log := getMongoLog(t)
	ctx := context.Background()

	rec := mkRecord(0)
	rec.Action = agent.ActionRecord{Kind: agent.ActionTypeText, Text: "hunter2"}
	rec.SecretTags = []agent.SecretTag{agent.SecretTagActionText}
	require.NoError(t, log.Append(ctx, "run-1", rec))

	recent, err := log.Recent(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "[redacted]", recent[0].Action.Text)
}

func TestMongoCheckpointUpsertOverwritesPrior(t *testing.T) {
	log := getMongoLog(t)
	ctx := context.Background()

	require.NoError(t, log.Checkpoint(ctx, agent.Checkpoint{TaskID: "task-1", StepIndex: 1}))
	require.NoError(t, log.Checkpoint(ctx, agent.Checkpoint{TaskID: "task-1", StepIndex: 2}))

	got, ok, err := log.LatestCheckpoint(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, got.StepIndex)
}
