package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/core/serveraction"
	"github.com/clusterd/backend/internal/domain"
	"github.com/clusterd/backend/internal/infrastructure/keytab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKDC struct {
	mu         sync.Mutex
	principals map[string]bool
	created    []string
	failOn     string
}

func newFakeKDC(existing ...string) *fakeKDC {
	k := &fakeKDC{principals: map[string]bool{}}
	for _, p := range existing {
		k.principals[p] = true
	}
	return k
}

func (k *fakeKDC) PrincipalExists(_ context.Context, _ ports.KDCCredential, principal string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.principals[principal], nil
}

func (k *fakeKDC) CreatePrincipal(_ context.Context, _ ports.KDCCredential, principal string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if principal == k.failOn {
		return errors.New("kdc unavailable")
	}
	k.principals[principal] = true
	k.created = append(k.created, principal)
	return nil
}

func (k *fakeKDC) DeletePrincipal(_ context.Context, _ ports.KDCCredential, principal string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.principals, principal)
	return nil
}

func (k *fakeKDC) ExportKeytab(_ context.Context, _ ports.KDCCredential, principal string) ([]byte, error) {
	return []byte("keytab:" + principal), nil
}

type actionsEnv struct {
	*kerberosEnv
	kdc     *fakeKDC
	keytabs ports.KeytabStore
	actions *KerberosActions
}

func newActionsEnv(t *testing.T, kdc *fakeKDC) *actionsEnv {
	e := newKerberosEnv(t)
	store := keytab.NewMemoryStore()
	return &actionsEnv{
		kerberosEnv: e,
		kdc:         kdc,
		keytabs:     store,
		actions: NewKerberosActions(KerberosActionsConfig{
			KDC:         kdc,
			Keytabs:     store,
			Credentials: e.credentials,
			Settings:    e.settings,
			Timeline:    e.timeline,
		}),
	}
}

// serverCommands returns the dispatch form of every server action of a
// request, keyed by action name, as read back from storage.
func (e *actionsEnv) serverCommands(requestID int64) map[string]*domain.ExecutionCommand {
	out := map[string]*domain.ExecutionCommand{}
	for _, stage := range e.stages(requestID) {
		for _, cmd := range stage.Commands {
			if cmd.Role == domain.RoleServerAction {
				out[cmd.Param(domain.ParamActionName)] = domain.NewExecutionCommand(stage, cmd)
			}
		}
	}
	return out
}

func (e *actionsEnv) enable(t *testing.T) map[string]*domain.ExecutionCommand {
	req, err := e.kerberos.Toggle(e.ctx, ToggleInput{
		Cluster:          "c1",
		Enable:           true,
		ManageIdentities: true,
		AdminPrincipal:   "admin/admin@EXAMPLE.COM",
		AdminPassword:    "secret",
	})
	require.NoError(t, err)
	return e.serverCommands(req.ID)
}

func TestKerberosActions_EnableFlow(t *testing.T) {
	e := newActionsEnv(t, newFakeKDC("hdfs/h1@EXAMPLE.COM"))
	cmds := e.enable(t)

	_, err := e.actions.prepare(e.ctx, cmds[ActionKerberosPrepare])
	require.NoError(t, err)

	res, err := e.actions.createPrincipals(e.ctx, cmds[ActionKerberosCreatePrincipals])
	require.NoError(t, err)
	assert.Equal(t, "created 2 principals, 1 already existed", res.Stdout)
	assert.ElementsMatch(t, []string{"hdfs/h2@EXAMPLE.COM", "zookeeper/h2@EXAMPLE.COM"}, e.kdc.created)

	_, err = e.actions.createKeytabs(e.ctx, cmds[ActionKerberosCreateKeytabs])
	require.NoError(t, err)
	data, err := e.actions.FetchKeytab("h2", "zookeeper/h2@EXAMPLE.COM")
	require.NoError(t, err)
	assert.Equal(t, []byte("keytab:zookeeper/h2@EXAMPLE.COM"), data)

	_, err = e.actions.FetchKeytab("h1", "zookeeper/h2@EXAMPLE.COM")
	assert.ErrorIs(t, err, ErrKeytabNotFound)

	_, err = e.actions.updateConfigs(e.ctx, cmds[ActionKerberosUpdateConfigs])
	require.NoError(t, err)
	security, err := e.actions.SecurityType(e.ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "KERBEROS", security)
	realm, err := e.settings.Get(e.ctx, kerberosRealmKey("c1"))
	require.NoError(t, err)
	require.NotNil(t, realm)
	assert.Equal(t, "EXAMPLE.COM", realm.Value)

	_, err = e.actions.finalize(e.ctx, cmds[ActionKerberosFinalize])
	require.NoError(t, err)
	_, err = e.credentials.Get(e.ctx, "c1")
	assert.ErrorIs(t, err, ErrMissingCredential)
	_, err = e.actions.FetchKeytab("h2", "zookeeper/h2@EXAMPLE.COM")
	assert.ErrorIs(t, err, ErrKeytabNotFound)

	events, err := e.events.GetAll(e.ctx, 50)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, domain.EventTypeKerberosPrepare)
	assert.Contains(t, types, domain.EventTypeKerberosFinalize)
}

func TestKerberosActions_DisableFlow(t *testing.T) {
	e := newActionsEnv(t, newFakeKDC("hdfs/h1@EXAMPLE.COM", "hdfs/h2@EXAMPLE.COM", "zookeeper/h2@EXAMPLE.COM"))
	require.NoError(t, e.credentials.Put(e.ctx, "c1", ports.KDCCredential{Principal: "admin/admin@EXAMPLE.COM", Password: "secret"}))

	req, err := e.kerberos.Toggle(e.ctx, ToggleInput{Cluster: "c1", ManageIdentities: true})
	require.NoError(t, err)
	cmds := e.serverCommands(req.ID)

	_, err = e.actions.destroyPrincipals(e.ctx, cmds[ActionKerberosDestroyPrincipals])
	require.NoError(t, err)
	assert.Empty(t, e.kdc.principals)

	_, err = e.actions.updateConfigs(e.ctx, cmds[ActionKerberosUpdateConfigs])
	require.NoError(t, err)
	security, err := e.actions.SecurityType(e.ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "NONE", security)
	realm, err := e.settings.Get(e.ctx, kerberosRealmKey("c1"))
	require.NoError(t, err)
	assert.Nil(t, realm)
}

func TestKerberosActions_KDCFailureFailsStep(t *testing.T) {
	kdc := newFakeKDC()
	kdc.failOn = "hdfs/h2@EXAMPLE.COM"
	e := newActionsEnv(t, kdc)
	cmds := e.enable(t)

	_, err := e.actions.createPrincipals(e.ctx, cmds[ActionKerberosCreatePrincipals])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hdfs/h2@EXAMPLE.COM")
}

func TestKerberosActions_MissingCredential(t *testing.T) {
	e := newActionsEnv(t, newFakeKDC())
	cmds := e.enable(t)
	require.NoError(t, e.credentials.Delete(e.ctx, "c1"))

	_, err := e.actions.prepare(e.ctx, cmds[ActionKerberosPrepare])
	assert.ErrorIs(t, err, ErrMissingCredential)
	_, err = e.actions.createKeytabs(e.ctx, cmds[ActionKerberosCreateKeytabs])
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestKerberosActions_Register(t *testing.T) {
	e := newActionsEnv(t, newFakeKDC())
	exec := serveraction.NewExecutor(serveraction.ExecutorConfig{})
	defer exec.Close()

	e.actions.Register(exec)
	for _, name := range []string{
		ActionKerberosPrepare,
		ActionKerberosCreatePrincipals,
		ActionKerberosCreateKeytabs,
		ActionKerberosDestroyPrincipals,
		ActionKerberosUpdateConfigs,
		ActionKerberosFinalize,
	} {
		assert.True(t, exec.Has(name), name)
	}
}

func TestPrincipalHost(t *testing.T) {
	assert.Equal(t, "h1.example.com", principalHost("hdfs/h1.example.com@EXAMPLE.COM"))
	assert.Equal(t, "", principalHost("admin@EXAMPLE.COM"))
	assert.Equal(t, "", principalHost("hdfs/h1"))
	assert.True(t, principalInRealm("hdfs/h1@EXAMPLE.COM", "EXAMPLE.COM"))
	assert.False(t, principalInRealm("hdfs/h1@OTHER.COM", "EXAMPLE.COM"))
}
