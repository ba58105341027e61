package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/core/rolegraph"
	"github.com/clusterd/backend/internal/domain"
	"github.com/clusterd/backend/internal/infrastructure/logger"
)

const kerberosService = "KERBEROS"

// Server action names of the Kerberos workflow.
const (
	ActionKerberosPrepare           = "kerberos_prepare"
	ActionKerberosCreatePrincipals  = "kerberos_create_principals"
	ActionKerberosCreateKeytabs     = "kerberos_create_keytabs"
	ActionKerberosDestroyPrincipals = "kerberos_destroy_principals"
	ActionKerberosUpdateConfigs     = "kerberos_update_configs"
	ActionKerberosFinalize          = "kerberos_finalize"
)

// Custom commands run by KERBEROS_CLIENT on every host.
const (
	CustomCommandSetKeytab    = "SET_KEYTAB"
	CustomCommandRemoveKeytab = "REMOVE_KEYTAB"
)

// Parameter keys carried by Kerberos commands.
const (
	paramCluster          = "cluster"
	paramRealm            = "realm"
	paramEnable           = "enable"
	paramManageIdentities = "manage_identities"
	paramIdentities       = "identities"
)

// KerberosIdentity is one service principal placed on one host.
type KerberosIdentity struct {
	Principal  string `json:"principal"`
	Host       string `json:"host"`
	Service    string `json:"service"`
	KeytabFile string `json:"keytab_file"`
}

type ToggleInput struct {
	Cluster          string
	Enable           bool
	ManageIdentities bool
	// Realm defaults to the configured realm.
	Realm          string
	AdminPrincipal string
	AdminPassword  string
}

type KerberosServiceConfig struct {
	Requests    *RequestService
	Components  ports.HostComponentRepository
	Filter      ports.HostFilter
	Credentials *CredentialStore
	Logger      *logger.Logger

	// ServerHost is the host name server actions are recorded against.
	ServerHost    string
	DefaultRealm  string
	ActionTimeout time.Duration
}

// KerberosService turns an enable or disable intent into one request whose
// stages run strictly one after the other.
type KerberosService struct {
	requests      *RequestService
	components    ports.HostComponentRepository
	filter        ports.HostFilter
	credentials   *CredentialStore
	logger        *logger.Logger
	serverHost    string
	defaultRealm  string
	actionTimeout time.Duration
}

func NewKerberosService(cfg KerberosServiceConfig) *KerberosService {
	s := &KerberosService{
		requests:      cfg.Requests,
		components:    cfg.Components,
		filter:        cfg.Filter,
		credentials:   cfg.Credentials,
		logger:        cfg.Logger,
		serverHost:    cfg.ServerHost,
		defaultRealm:  cfg.DefaultRealm,
		actionTimeout: cfg.ActionTimeout,
	}
	if s.logger == nil {
		s.logger = logger.NewNop()
	}
	if s.serverHost == "" {
		s.serverHost = "clusterd-server"
	}
	if s.actionTimeout <= 0 {
		s.actionTimeout = 30 * time.Minute
	}
	return s
}

// Toggle builds and persists the request. The stage chain depends only on
// Enable and ManageIdentities:
//
//	enable, managed:   prepare, create principals, create keytabs, distribute keytabs, update configs, finalize
//	disable, managed:  prepare, destroy principals, remove keytabs, update configs, finalize
//	unmanaged:         prepare, update configs, finalize
func (s *KerberosService) Toggle(ctx context.Context, in ToggleInput) (*domain.Request, error) {
	if in.Cluster == "" {
		return nil, fmt.Errorf("%w: cluster is required", ErrKerberosInvalidInput)
	}
	realm := strings.ToUpper(in.Realm)
	if realm == "" {
		realm = strings.ToUpper(s.defaultRealm)
	}
	if (in.Enable || in.ManageIdentities) && realm == "" {
		return nil, fmt.Errorf("%w: realm is required", ErrKerberosInvalidInput)
	}

	var identities []KerberosIdentity
	var supplied *ports.KDCCredential
	if in.ManageIdentities {
		var err error
		if supplied, err = s.checkCredential(ctx, in); err != nil {
			return nil, err
		}
		comps, err := s.components.GetByCluster(ctx, in.Cluster)
		if err != nil {
			return nil, err
		}
		eligible, err := s.filter.Eligible(ctx, comps)
		if err != nil {
			return nil, err
		}
		if len(eligible) == 0 {
			return nil, fmt.Errorf("%w: no host to hold keytabs in %s", ErrTopology, in.Cluster)
		}
		identities = computeIdentities(eligible, realm)
	}

	label := "Disable Kerberos"
	if in.Enable {
		label = "Enable Kerberos"
	}
	c, err := s.requests.NewContainer(ctx, in.Cluster, label)
	if err != nil {
		return nil, err
	}

	base := domain.JSONB{
		paramCluster:          in.Cluster,
		paramRealm:            realm,
		paramEnable:           strconv.FormatBool(in.Enable),
		paramManageIdentities: strconv.FormatBool(in.ManageIdentities),
	}
	withIdentities := func(p domain.JSONB) domain.JSONB {
		out := copyParams(p)
		out[paramIdentities] = identities
		return out
	}

	if err := s.addServerAction(c, "Preparing Operations", ActionKerberosPrepare, withIdentities(base)); err != nil {
		return nil, err
	}
	if in.ManageIdentities {
		if in.Enable {
			if err := s.addServerAction(c, "Create Principals", ActionKerberosCreatePrincipals, withIdentities(base)); err != nil {
				return nil, err
			}
			if err := s.addServerAction(c, "Create Keytabs", ActionKerberosCreateKeytabs, withIdentities(base)); err != nil {
				return nil, err
			}
			if err := s.addKeytabCommands(c, "Distribute Keytabs", CustomCommandSetKeytab, identities, base); err != nil {
				return nil, err
			}
		} else {
			if err := s.addServerAction(c, "Destroy Principals", ActionKerberosDestroyPrincipals, withIdentities(base)); err != nil {
				return nil, err
			}
			if err := s.addKeytabCommands(c, "Remove Keytabs", CustomCommandRemoveKeytab, identities, base); err != nil {
				return nil, err
			}
		}
	}
	if err := s.addServerAction(c, "Update Configurations", ActionKerberosUpdateConfigs, copyParams(base)); err != nil {
		return nil, err
	}
	if err := s.addServerAction(c, "Finalize Operations", ActionKerberosFinalize, withIdentities(base)); err != nil {
		return nil, err
	}

	// A stored credential always belongs to a submitted request; finalize removes it.
	if supplied != nil {
		if err := s.credentials.Put(ctx, in.Cluster, *supplied); err != nil {
			return nil, err
		}
	}
	req, err := s.requests.Submit(ctx, c)
	if err != nil {
		if supplied != nil {
			if derr := s.credentials.Delete(ctx, in.Cluster); derr != nil {
				s.logger.Errorw("kerberos_credential_cleanup_failed", "cluster", in.Cluster, "error", derr)
			}
		}
		return nil, err
	}
	s.logger.Infow("kerberos_toggle_submitted",
		"request_id", req.ID,
		"cluster", in.Cluster,
		"enable", in.Enable,
		"manage_identities", in.ManageIdentities,
		"identities", len(identities),
		"stages", req.StageCount,
	)
	return req, nil
}

// checkCredential returns the credential supplied with the toggle, or checks
// that one is already stored when none was supplied.
func (s *KerberosService) checkCredential(ctx context.Context, in ToggleInput) (*ports.KDCCredential, error) {
	if in.AdminPrincipal != "" || in.AdminPassword != "" {
		if in.AdminPrincipal == "" || in.AdminPassword == "" {
			return nil, fmt.Errorf("%w: admin principal and password go together", ErrKerberosInvalidInput)
		}
		return &ports.KDCCredential{Principal: in.AdminPrincipal, Password: in.AdminPassword}, nil
	}
	_, err := s.credentials.Get(ctx, in.Cluster)
	return nil, err
}

// addServerAction appends one stage holding one SERVER_ACTION command. The
// stage id is taken from the container at call time.
func (s *KerberosService) addServerAction(c *RequestStageContainer, label, action string, params domain.JSONB) error {
	stage := c.NewStage(label)
	params[domain.ParamActionName] = action
	err := stage.AddCommand(&domain.HostRoleCommand{
		HostName:       s.serverHost,
		Role:           domain.RoleServerAction,
		RoleCommand:    domain.RoleCommandExecute,
		Service:        kerberosService,
		CommandParams:  params,
		TimeoutSeconds: domain.TimeoutSeconds(s.actionTimeout),
	})
	if err != nil {
		return err
	}
	return c.AddStages(stage)
}

func (s *KerberosService) addKeytabCommands(c *RequestStageContainer, label, customCommand string, identities []KerberosIdentity, base domain.JSONB) error {
	byHost := make(map[string][]KerberosIdentity)
	for _, id := range identities {
		byHost[id.Host] = append(byHost[id.Host], id)
	}
	ops := make([]rolegraph.Operation, 0, len(byHost))
	for host, ids := range byHost {
		params := copyParams(base)
		params[paramIdentities] = ids
		ops = append(ops, rolegraph.Operation{
			Host:              host,
			Role:              domain.RoleKerberosClient,
			Command:           domain.RoleCommandCustomCommand,
			CustomCommandName: customCommand,
			Service:           kerberosService,
			Params:            params,
		})
	}
	_, err := c.AddOperations(ops, BatchOptions{RequestContext: label})
	return err
}

// computeIdentities derives one service principal per (service, host).
func computeIdentities(components []domain.HostComponent, realm string) []KerberosIdentity {
	seen := make(map[string]bool)
	var out []KerberosIdentity
	for _, hc := range components {
		primary := strings.ToLower(hc.Service)
		principal := fmt.Sprintf("%s/%s@%s", primary, hc.HostName, realm)
		if seen[principal] {
			continue
		}
		seen[principal] = true
		out = append(out, KerberosIdentity{
			Principal:  principal,
			Host:       hc.HostName,
			Service:    hc.Service,
			KeytabFile: primary + ".service.keytab",
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Principal < out[j].Principal })
	return out
}

// decodeIdentities reads the identity list of a command. Values read back
// from storage are generic JSON, values built in memory are typed.
func decodeIdentities(v interface{}) ([]KerberosIdentity, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var ids []KerberosIdentity
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("%w: identities: %v", ErrKerberosInvalidInput, err)
	}
	return ids, nil
}
