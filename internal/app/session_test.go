package app

import (
	"testing"

	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestAWSOpener_CheckByMode(t *testing.T) {
	cfg := config.Default()
	cfg.Secrets.DBUserSecretName = "uw-cd2-db-user-dev-canvas"
	cfg.Admin.ClusterARN = ""
	o := &awsOpener{cfg: cfg, logger: zap.NewNop()}

	assert.NoError(t, o.check(Discover))
	assert.NoError(t, o.check(Initialize), "init does not need the admin connection")
	assert.ErrorContains(t, o.check(Replicate), "cluster_arn")

	cfg.Admin.ClusterARN = "arn:aws:rds:us-east-1:123456789012:cluster:cd2"
	cfg.Admin.SecretARN = "arn:aws:secretsmanager:us-east-1:123456789012:secret:admin"
	assert.NoError(t, o.check(Replicate))

	cfg.Secrets.DBUserSecretName = ""
	assert.NoError(t, o.check(Discover))
	assert.Error(t, o.check(Initialize))
	assert.Error(t, o.check(Replicate))
}
