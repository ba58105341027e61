package services

import (
	"testing"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kerberosEnv struct {
	*testEnv
	credentials *CredentialStore
	kerberos    *KerberosService
}

func newKerberosEnv(t *testing.T) *kerberosEnv {
	e := newTestEnv(t)
	e.addHost("h1", domain.HostStateHealthy, domain.MaintenanceOff)
	e.addHost("h2", domain.HostStateHealthy, domain.MaintenanceOff)
	e.addComponent("c1", "HDFS", "NAMENODE", "h1", domain.MaintenanceOff)
	e.addComponent("c1", "HDFS", "DATANODE", "h1", domain.MaintenanceOff)
	e.addComponent("c1", "HDFS", "DATANODE", "h2", domain.MaintenanceOff)
	e.addComponent("c1", "ZOOKEEPER", "ZOOKEEPER_SERVER", "h2", domain.MaintenanceOff)

	creds := NewCredentialStore(e.settings, "unit-test-key", nil)
	return &kerberosEnv{
		testEnv:     e,
		credentials: creds,
		kerberos: NewKerberosService(KerberosServiceConfig{
			Requests:     e.requests,
			Components:   e.components,
			Filter:       e.filter,
			Credentials:  creds,
			ServerHost:   "server",
			DefaultRealm: "example.com",
		}),
	}
}

func actionNames(stages []*domain.Stage) []string {
	names := make([]string, 0, len(stages))
	for _, s := range stages {
		cmd := s.Commands[0]
		if cmd.Role == domain.RoleServerAction {
			names = append(names, cmd.Param(domain.ParamActionName))
			continue
		}
		names = append(names, cmd.CustomCommandName)
	}
	return names
}

func TestKerberosToggle_EnableManaged(t *testing.T) {
	e := newKerberosEnv(t)

	req, err := e.kerberos.Toggle(e.ctx, ToggleInput{
		Cluster:          "c1",
		Enable:           true,
		ManageIdentities: true,
		AdminPrincipal:   "admin/admin@EXAMPLE.COM",
		AdminPassword:    "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "Enable Kerberos", req.RequestContext)
	assert.Equal(t, 6, req.StageCount)

	stages := e.stages(req.ID)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, stageIDs(stages))
	assert.Equal(t, []string{
		ActionKerberosPrepare,
		ActionKerberosCreatePrincipals,
		ActionKerberosCreateKeytabs,
		CustomCommandSetKeytab,
		ActionKerberosUpdateConfigs,
		ActionKerberosFinalize,
	}, actionNames(stages))

	distribute := stages[3]
	require.Len(t, distribute.Commands, 2)
	for _, cmd := range distribute.Commands {
		assert.Equal(t, domain.RoleKerberosClient, cmd.Role)
		assert.Equal(t, domain.RoleCommandCustomCommand, cmd.RoleCommand)
	}

	prepare := stages[0].Commands[0]
	assert.Equal(t, "server", prepare.HostName)
	assert.Equal(t, "EXAMPLE.COM", prepare.Param(paramRealm))
	ids, err := decodeIdentities(prepare.CommandParams[paramIdentities])
	require.NoError(t, err)
	principals := make([]string, 0, len(ids))
	for _, id := range ids {
		principals = append(principals, id.Principal)
	}
	assert.Equal(t, []string{
		"hdfs/h1@EXAMPLE.COM",
		"hdfs/h2@EXAMPLE.COM",
		"zookeeper/h2@EXAMPLE.COM",
	}, principals)

	cred, err := e.credentials.Get(e.ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "admin/admin@EXAMPLE.COM", cred.Principal)
}

func TestKerberosToggle_DisableManaged(t *testing.T) {
	e := newKerberosEnv(t)
	require.NoError(t, e.credentials.Put(e.ctx, "c1", ports.KDCCredential{Principal: "admin/admin@EXAMPLE.COM", Password: "secret"}))

	req, err := e.kerberos.Toggle(e.ctx, ToggleInput{Cluster: "c1", ManageIdentities: true})
	require.NoError(t, err)
	assert.Equal(t, "Disable Kerberos", req.RequestContext)

	stages := e.stages(req.ID)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, stageIDs(stages))
	assert.Equal(t, []string{
		ActionKerberosPrepare,
		ActionKerberosDestroyPrincipals,
		CustomCommandRemoveKeytab,
		ActionKerberosUpdateConfigs,
		ActionKerberosFinalize,
	}, actionNames(stages))
}

func TestKerberosToggle_Unmanaged(t *testing.T) {
	e := newKerberosEnv(t)

	req, err := e.kerberos.Toggle(e.ctx, ToggleInput{Cluster: "c1", Enable: true, Realm: "corp.local"})
	require.NoError(t, err)

	stages := e.stages(req.ID)
	assert.Equal(t, []int64{1, 2, 3}, stageIDs(stages))
	assert.Equal(t, []string{
		ActionKerberosPrepare,
		ActionKerberosUpdateConfigs,
		ActionKerberosFinalize,
	}, actionNames(stages))
	assert.Equal(t, "CORP.LOCAL", stages[1].Commands[0].Param(paramRealm))
	assert.Equal(t, "false", stages[1].Commands[0].Param(paramManageIdentities))
}

func TestKerberosToggle_MissingCredentialFailsEarly(t *testing.T) {
	e := newKerberosEnv(t)

	_, err := e.kerberos.Toggle(e.ctx, ToggleInput{Cluster: "c1", Enable: true, ManageIdentities: true})
	assert.ErrorIs(t, err, ErrMissingCredential)
	assert.Zero(t, e.requestCount())
	assert.Zero(t, e.controller.wakeCount())
}

func TestKerberosToggle_InvalidInput(t *testing.T) {
	e := newKerberosEnv(t)
	svc := NewKerberosService(KerberosServiceConfig{
		Requests:    e.requests,
		Components:  e.components,
		Filter:      e.filter,
		Credentials: e.credentials,
	})

	_, err := svc.Toggle(e.ctx, ToggleInput{Enable: true, Realm: "EXAMPLE.COM"})
	assert.ErrorIs(t, err, ErrKerberosInvalidInput)

	_, err = svc.Toggle(e.ctx, ToggleInput{Cluster: "c1", Enable: true})
	assert.ErrorIs(t, err, ErrKerberosInvalidInput)

	_, err = svc.Toggle(e.ctx, ToggleInput{Cluster: "c1", Enable: true, Realm: "EXAMPLE.COM", ManageIdentities: true, AdminPrincipal: "admin@EXAMPLE.COM"})
	assert.ErrorIs(t, err, ErrKerberosInvalidInput)
	assert.Zero(t, e.requestCount())
}

func TestKerberosToggle_NoEligibleHost(t *testing.T) {
	e := newKerberosEnv(t)
	for _, h := range []string{"h1", "h2"} {
		require.NoError(t, e.hosts.UpdateState(e.ctx, h, domain.HostStateHeartbeatLost))
	}

	_, err := e.kerberos.Toggle(e.ctx, ToggleInput{
		Cluster:          "c1",
		Enable:           true,
		ManageIdentities: true,
		AdminPrincipal:   "admin/admin@EXAMPLE.COM",
		AdminPassword:    "secret",
	})
	assert.ErrorIs(t, err, ErrTopology)
	assert.Zero(t, e.requestCount())

	_, err = e.credentials.Get(e.ctx, "c1")
	assert.ErrorIs(t, err, ErrMissingCredential)
}
