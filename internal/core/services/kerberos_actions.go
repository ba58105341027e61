package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/core/serveraction"
	"github.com/clusterd/backend/internal/domain"
	"github.com/clusterd/backend/internal/infrastructure/logger"
	"golang.org/x/sync/errgroup"
)

const (
	settingTypeCluster = "cluster"
	securityKerberos   = "KERBEROS"
	securityNone       = "NONE"
)

func securityTypeKey(cluster string) string {
	return "cluster/" + cluster + "/security_type"
}

func kerberosRealmKey(cluster string) string {
	return "cluster/" + cluster + "/kerberos_realm"
}

type KerberosActionsConfig struct {
	KDC         ports.KDCClient
	Keytabs     ports.KeytabStore
	Credentials *CredentialStore
	Settings    ports.SystemSettingRepository
	Timeline    *TimelineRecorder
	Logger      *logger.Logger
	// Concurrency bounds parallel calls against the KDC.
	Concurrency int
}

// KerberosActions implements the server side steps of the Kerberos workflow.
type KerberosActions struct {
	kdc         ports.KDCClient
	keytabs     ports.KeytabStore
	credentials *CredentialStore
	settings    ports.SystemSettingRepository
	timeline    *TimelineRecorder
	logger      *logger.Logger
	concurrency int
}

func NewKerberosActions(cfg KerberosActionsConfig) *KerberosActions {
	a := &KerberosActions{
		kdc:         cfg.KDC,
		keytabs:     cfg.Keytabs,
		credentials: cfg.Credentials,
		settings:    cfg.Settings,
		timeline:    cfg.Timeline,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
	}
	if a.logger == nil {
		a.logger = logger.NewNop()
	}
	if a.concurrency <= 0 {
		a.concurrency = 4
	}
	return a
}

// Register installs every Kerberos action on the executor.
func (a *KerberosActions) Register(e *serveraction.Executor) {
	e.Register(ActionKerberosPrepare, serveraction.HandlerFunc(a.prepare))
	e.Register(ActionKerberosCreatePrincipals, serveraction.HandlerFunc(a.createPrincipals))
	e.Register(ActionKerberosCreateKeytabs, serveraction.HandlerFunc(a.createKeytabs))
	e.Register(ActionKerberosDestroyPrincipals, serveraction.HandlerFunc(a.destroyPrincipals))
	e.Register(ActionKerberosUpdateConfigs, serveraction.HandlerFunc(a.updateConfigs))
	e.Register(ActionKerberosFinalize, serveraction.HandlerFunc(a.finalize))
}

type kerberosArgs struct {
	cluster    string
	realm      string
	enable     bool
	managed    bool
	identities []KerberosIdentity
}

func parseKerberosArgs(cmd *domain.ExecutionCommand) (kerberosArgs, error) {
	args := kerberosArgs{
		cluster: cmd.CommandParams[paramCluster],
		realm:   cmd.CommandParams[paramRealm],
	}
	if args.cluster == "" {
		args.cluster = cmd.ClusterName
	}
	if args.cluster == "" {
		return args, fmt.Errorf("%w: command carries no cluster", ErrKerberosInvalidInput)
	}
	args.enable, _ = strconv.ParseBool(cmd.CommandParams[paramEnable])
	args.managed, _ = strconv.ParseBool(cmd.CommandParams[paramManageIdentities])

	ids, err := decodeIdentities(cmd.Structured[paramIdentities])
	if err != nil {
		return args, err
	}
	args.identities = ids
	return args, nil
}

func (a *KerberosActions) prepare(ctx context.Context, cmd *domain.ExecutionCommand) (serveraction.Result, error) {
	args, err := parseKerberosArgs(cmd)
	if err != nil {
		return serveraction.Result{}, err
	}
	for _, id := range args.identities {
		if !principalInRealm(id.Principal, args.realm) {
			return serveraction.Result{}, fmt.Errorf("%w: principal %q is not in realm %s", ErrKerberosInvalidInput, id.Principal, args.realm)
		}
	}
	if args.managed {
		if _, err := a.credentials.Get(ctx, args.cluster); err != nil {
			return serveraction.Result{}, err
		}
	}

	a.timeline.Record(ctx, domain.EventTypeKerberosPrepare, domain.EventStatusPending, domain.ResourceTypeRequest, uint(cmd.RequestID),
		fmt.Sprintf("Kerberos %s prepared for %s", toggleWord(args.enable), args.cluster),
		domain.JSONB{"cluster": args.cluster, "realm": args.realm, "identities": len(args.identities)})
	return serveraction.Result{Stdout: fmt.Sprintf("%d identities validated", len(args.identities))}, nil
}

func (a *KerberosActions) createPrincipals(ctx context.Context, cmd *domain.ExecutionCommand) (serveraction.Result, error) {
	args, cred, err := a.argsWithCredential(ctx, cmd)
	if err != nil {
		return serveraction.Result{}, err
	}

	var created, existing int64
	err = a.forEachIdentity(ctx, args.identities, func(ctx context.Context, id KerberosIdentity) error {
		ok, err := a.kdc.PrincipalExists(ctx, *cred, id.Principal)
		if err != nil {
			return err
		}
		if ok {
			atomic.AddInt64(&existing, 1)
			return nil
		}
		if err := a.kdc.CreatePrincipal(ctx, *cred, id.Principal); err != nil {
			return err
		}
		atomic.AddInt64(&created, 1)
		return nil
	})
	if err != nil {
		return serveraction.Result{}, err
	}
	a.logger.Infow("kerberos_principals_created", "cluster", args.cluster, "created", created, "existing", existing)
	return serveraction.Result{Stdout: fmt.Sprintf("created %d principals, %d already existed", created, existing)}, nil
}

func (a *KerberosActions) createKeytabs(ctx context.Context, cmd *domain.ExecutionCommand) (serveraction.Result, error) {
	args, cred, err := a.argsWithCredential(ctx, cmd)
	if err != nil {
		return serveraction.Result{}, err
	}
	err = a.forEachIdentity(ctx, args.identities, func(ctx context.Context, id KerberosIdentity) error {
		data, err := a.kdc.ExportKeytab(ctx, *cred, id.Principal)
		if err != nil {
			return err
		}
		return a.keytabs.Put(id.Principal, data)
	})
	if err != nil {
		return serveraction.Result{}, err
	}
	a.logger.Infow("kerberos_keytabs_created", "cluster", args.cluster, "keytabs", len(args.identities))
	return serveraction.Result{Stdout: fmt.Sprintf("exported %d keytabs", len(args.identities))}, nil
}

func (a *KerberosActions) destroyPrincipals(ctx context.Context, cmd *domain.ExecutionCommand) (serveraction.Result, error) {
	args, cred, err := a.argsWithCredential(ctx, cmd)
	if err != nil {
		return serveraction.Result{}, err
	}
	err = a.forEachIdentity(ctx, args.identities, func(ctx context.Context, id KerberosIdentity) error {
		return a.kdc.DeletePrincipal(ctx, *cred, id.Principal)
	})
	if err != nil {
		return serveraction.Result{}, err
	}
	a.logger.Infow("kerberos_principals_destroyed", "cluster", args.cluster, "principals", len(args.identities))
	return serveraction.Result{Stdout: fmt.Sprintf("destroyed %d principals", len(args.identities))}, nil
}

func (a *KerberosActions) updateConfigs(ctx context.Context, cmd *domain.ExecutionCommand) (serveraction.Result, error) {
	args, err := parseKerberosArgs(cmd)
	if err != nil {
		return serveraction.Result{}, err
	}
	securityType := securityNone
	if args.enable {
		securityType = securityKerberos
	}
	if err := a.settings.Set(ctx, &domain.SystemSetting{
		Key:      securityTypeKey(args.cluster),
		Value:    securityType,
		Type:     settingTypeCluster,
		Category: args.cluster,
	}); err != nil {
		return serveraction.Result{}, err
	}
	if args.enable {
		if err := a.settings.Set(ctx, &domain.SystemSetting{
			Key:      kerberosRealmKey(args.cluster),
			Value:    args.realm,
			Type:     settingTypeCluster,
			Category: args.cluster,
		}); err != nil {
			return serveraction.Result{}, err
		}
	} else if err := a.settings.Delete(ctx, kerberosRealmKey(args.cluster)); err != nil {
		return serveraction.Result{}, err
	}
	return serveraction.Result{Stdout: "security_type=" + securityType}, nil
}

// finalize drops the administrator credential and every staged keytab.
func (a *KerberosActions) finalize(ctx context.Context, cmd *domain.ExecutionCommand) (serveraction.Result, error) {
	args, err := parseKerberosArgs(cmd)
	if err != nil {
		return serveraction.Result{}, err
	}
	if args.managed {
		if err := a.credentials.Delete(ctx, args.cluster); err != nil {
			return serveraction.Result{}, err
		}
	}
	for _, id := range args.identities {
		if err := a.keytabs.Delete(id.Principal); err != nil {
			a.logger.Warnw("kerberos_keytab_cleanup_failed", "principal", id.Principal, "error", err)
		}
	}
	a.timeline.Record(ctx, domain.EventTypeKerberosFinalize, domain.EventStatusSuccess, domain.ResourceTypeRequest, uint(cmd.RequestID),
		fmt.Sprintf("Kerberos %s finalized for %s", toggleWord(args.enable), args.cluster),
		domain.JSONB{"cluster": args.cluster, "realm": args.realm})
	return serveraction.Result{Stdout: "finalized"}, nil
}

// FetchKeytab hands a staged keytab to the host it was created for.
func (a *KerberosActions) FetchKeytab(host, principal string) ([]byte, error) {
	if principalHost(principal) != host {
		return nil, ErrKeytabNotFound
	}
	data, err := a.keytabs.Get(principal)
	if err != nil {
		return nil, ErrKeytabNotFound
	}
	return data, nil
}

// SecurityType returns KERBEROS or NONE for a cluster.
func (a *KerberosActions) SecurityType(ctx context.Context, cluster string) (string, error) {
	s, err := a.settings.Get(ctx, securityTypeKey(cluster))
	if err != nil {
		return "", err
	}
	if s == nil {
		return securityNone, nil
	}
	return s.Value, nil
}

func (a *KerberosActions) argsWithCredential(ctx context.Context, cmd *domain.ExecutionCommand) (kerberosArgs, *ports.KDCCredential, error) {
	args, err := parseKerberosArgs(cmd)
	if err != nil {
		return args, nil, err
	}
	cred, err := a.credentials.Get(ctx, args.cluster)
	if err != nil {
		return args, nil, err
	}
	return args, cred, nil
}

func (a *KerberosActions) forEachIdentity(ctx context.Context, ids []KerberosIdentity, fn func(context.Context, KerberosIdentity) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := fn(gctx, id); err != nil {
				return fmt.Errorf("%s: %w", id.Principal, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func principalInRealm(principal, realm string) bool {
	return strings.Contains(principal, "/") && strings.HasSuffix(principal, "@"+realm)
}

// principalHost returns the instance part of primary/instance@REALM.
func principalHost(principal string) string {
	at := strings.LastIndex(principal, "@")
	if at < 0 {
		return ""
	}
	slash := strings.Index(principal[:at], "/")
	if slash < 0 {
		return ""
	}
	return principal[slash+1 : at]
}

func toggleWord(enable bool) string {
	if enable {
		return "enable"
	}
	return "disable"
}
