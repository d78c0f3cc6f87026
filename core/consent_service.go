package core

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

// ConsentService owns the consent lifecycle: initiation, OAuth callback
// handling, token refresh, revocation, and freshness checks ahead of every
// token use.
type ConsentService struct {
	config           Config
	logger           Logger
	loggerProvider   LoggerProvider
	metricsRecorder  MetricsRecorder
	errorFactory     ErrorFactory
	errorMapper      ErrorMapper
	secretProvider   SecretProvider
	configProvider   ConfigProvider
	optionsResolver  OptionsResolver
	tokenCodec       TokenCodec
	tokenClient      TokenClient
	institutionStore InstitutionStore
	consentStore     ConsentStore
	accountStore     AccountStore
	accountLocker    AccountLocker
	now              func() time.Time
}

func NewConsentService(cfg Config, options ...Option) (*ConsentService, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range options {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("openfinance", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("openfinance"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.tokenCodec == nil {
		builder.tokenCodec = JSONTokenCodec{}
	}
	if builder.accountLocker == nil {
		builder.accountLocker = NewMemoryAccountLocker()
	}
	if builder.clock == nil {
		builder.clock = func() time.Time { return time.Now().UTC() }
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	svc := &ConsentService{
		config:           finalConfig,
		logger:           logger,
		loggerProvider:   provider,
		metricsRecorder:  builder.metricsRecorder,
		errorFactory:     builder.errorFactory,
		errorMapper:      builder.errorMapper,
		secretProvider:   builder.secretProvider,
		configProvider:   builder.configProvider,
		optionsResolver:  builder.optionsResolver,
		tokenCodec:       builder.tokenCodec,
		tokenClient:      builder.tokenClient,
		institutionStore: builder.institutionStore,
		consentStore:     builder.consentStore,
		accountStore:     builder.accountStore,
		accountLocker:    builder.accountLocker,
		now:              builder.clock,
	}
	return svc, nil
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

// Config returns the resolved service configuration.
func (s *ConsentService) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

// Locker exposes the per-account lock shared with the sync orchestrator.
func (s *ConsentService) Locker() AccountLocker {
	if s == nil {
		return nil
	}
	return s.accountLocker
}

func (s *ConsentService) badInput(message string) error {
	return s.newError(message, goerrors.CategoryBadInput)
}

func (s *ConsentService) conflict(message string) error {
	return s.newError(message, goerrors.CategoryConflict)
}

func (s *ConsentService) newError(message string, category goerrors.Category) error {
	factory := goerrors.New
	if s != nil && s.errorFactory != nil {
		factory = s.errorFactory
	}
	return factory(message, category).WithTextCode(ServiceErrorBadInput)
}

type InitiateConsentInput struct {
	UserID          string
	InstitutionCode string
	Scopes          []string
}

// ConsentInitiation carries the pending consent plus the authorization URL
// the user must be redirected to.
type ConsentInitiation struct {
	Consent     Consent
	RedirectURL string
}

// InitiateConsent validates the OAuth client configuration, resolves the
// institution, creates a pending consent, and builds the authorization
// redirect. The consent ID doubles as the OAuth state parameter.
func (s *ConsentService) InitiateConsent(ctx context.Context, input InitiateConsentInput) (ConsentInitiation, error) {
	startedAt := s.now()
	userID := strings.TrimSpace(input.UserID)
	institutionCode := strings.TrimSpace(input.InstitutionCode)

	var err error
	defer func() {
		s.observeOperation(ctx, startedAt, "consent.initiate", err, map[string]any{
			"user_id": userID,
		})
	}()

	if s.consentStore == nil || s.institutionStore == nil {
		err = fmt.Errorf("core: consent service stores are not configured")
		return ConsentInitiation{}, err
	}
	if userID == "" {
		err = s.badInput("core: user id is required")
		return ConsentInitiation{}, err
	}
	if institutionCode == "" {
		err = s.badInput("core: institution code is required")
		return ConsentInitiation{}, err
	}
	if err = s.config.OAuth.Validate(); err != nil {
		return ConsentInitiation{}, err
	}

	institution, lookupErr := s.institutionStore.GetByCode(ctx, institutionCode)
	if lookupErr != nil {
		err = lookupErr
		return ConsentInitiation{}, err
	}
	if !institution.Active {
		err = s.conflict(fmt.Sprintf("core: institution %q is not active", institutionCode))
		return ConsentInitiation{}, err
	}
	if institution.CertificateRequired && !s.config.Certificate.Configured() {
		err = NewConfigurationError(
			fmt.Sprintf("core: institution %q requires a client certificate", institutionCode),
		)
		return ConsentInitiation{}, err
	}

	scopes := normalizeScopes(input.Scopes)
	if len(scopes) == 0 {
		scopes = normalizeScopes(s.config.OAuth.DefaultScopes)
	}

	consent, createErr := s.consentStore.Create(ctx, CreateConsentInput{
		UserID:          userID,
		InstitutionID:   institution.ID,
		RequestedScopes: scopes,
	})
	if createErr != nil {
		err = createErr
		return ConsentInitiation{}, err
	}

	redirect, buildErr := buildAuthorizationURL(institution, s.config.OAuth, consent.ID, scopes)
	if buildErr != nil {
		err = buildErr
		return ConsentInitiation{}, err
	}

	s.logInfo(ctx, "consent initiated", map[string]any{
		"consent_id":     consent.ID,
		"user_id":        userID,
		"institution_id": institution.ID,
	})
	return ConsentInitiation{Consent: consent, RedirectURL: redirect}, nil
}

func buildAuthorizationURL(institution Institution, oauth OAuthConfig, state string, scopes []string) (string, error) {
	base := strings.TrimSpace(institution.AuthorizationURL)
	if base == "" {
		return "", NewConfigurationError(
			fmt.Sprintf("core: institution %q has no authorization url", institution.Code),
		)
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return "", NewConfigurationError(
			fmt.Sprintf("core: institution %q authorization url is invalid", institution.Code),
		)
	}
	query := parsed.Query()
	query.Set("client_id", oauth.ClientID)
	query.Set("redirect_uri", oauth.RedirectURI)
	query.Set("response_type", "code")
	if len(scopes) > 0 {
		query.Set("scope", strings.Join(scopes, " "))
	}
	query.Set("state", state)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func normalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	seen := map[string]struct{}{}
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		if _, ok := seen[scope]; ok {
			continue
		}
		seen[scope] = struct{}{}
		out = append(out, scope)
	}
	return out
}

// HandleCallback exchanges an authorization code for tokens and moves the
// consent to authorized. Replayed callbacks for an already authorized consent
// return the stored consent without touching the institution again. Exchange
// failures mark the consent failed with the failure reason recorded.
func (s *ConsentService) HandleCallback(ctx context.Context, consentID string, code string) (Consent, error) {
	startedAt := s.now()
	consentID = strings.TrimSpace(consentID)
	code = strings.TrimSpace(code)

	var err error
	defer func() {
		s.observeOperation(ctx, startedAt, "consent.callback", err, map[string]any{
			"consent_id": consentID,
		})
	}()

	if s.consentStore == nil || s.institutionStore == nil {
		err = fmt.Errorf("core: consent service stores are not configured")
		return Consent{}, err
	}
	if s.tokenClient == nil {
		err = NewConfigurationError("core: token client is not configured")
		return Consent{}, err
	}
	if s.secretProvider == nil {
		err = NewConfigurationError("core: secret provider is not configured")
		return Consent{}, err
	}
	if consentID == "" || code == "" {
		err = s.badInput("core: consent id and authorization code are required")
		return Consent{}, err
	}

	consent, getErr := s.consentStore.Get(ctx, consentID)
	if getErr != nil {
		err = getErr
		return Consent{}, err
	}
	if consent.Status == ConsentStatusAuthorized {
		return consent, nil
	}
	if consent.Status != ConsentStatusPending {
		err = s.conflict(fmt.Sprintf("core: consent %q is %s and cannot accept a callback", consentID, consent.Status))
		return Consent{}, err
	}

	return s.completeExchange(ctx, consent, code)
}

func (s *ConsentService) completeExchange(ctx context.Context, consent Consent, code string) (Consent, error) {
	institution, err := s.institutionByID(ctx, consent.InstitutionID)
	if err != nil {
		return Consent{}, err
	}

	now := s.now()
	grant, exchangeErr := s.tokenClient.ExchangeCode(ctx, institution, code, s.config.OAuth.RedirectURI)
	if exchangeErr != nil {
		if _, updateErr := s.consentStore.UpdateStatus(ctx, consent.ID, ConsentStatusFailed, exchangeErr.Error()); updateErr != nil {
			s.logError(ctx, "consent failure status update failed", map[string]any{
				"consent_id": consent.ID,
				"error":      updateErr.Error(),
			})
		}
		return Consent{}, exchangeErr
	}

	saved, saveErr := s.storeGrant(ctx, consent.ID, grant, now)
	if saveErr != nil {
		return Consent{}, saveErr
	}
	updated, statusErr := s.consentStore.UpdateStatus(ctx, saved.ID, ConsentStatusAuthorized, "")
	if statusErr != nil {
		return Consent{}, statusErr
	}

	s.logInfo(ctx, "consent authorized", map[string]any{
		"consent_id":     updated.ID,
		"institution_id": updated.InstitutionID,
	})
	return updated, nil
}

func (s *ConsentService) storeGrant(ctx context.Context, consentID string, grant TokenGrant, now time.Time) (Consent, error) {
	tokens := ConsentTokens{
		AccessToken:  strings.TrimSpace(grant.AccessToken),
		RefreshToken: strings.TrimSpace(grant.RefreshToken),
		TokenType:    strings.TrimSpace(grant.TokenType),
	}
	if tokens.AccessToken == "" {
		return Consent{}, NewExternalAPIError(0, "core: token grant is missing an access token")
	}
	var expiresAt *time.Time
	if grant.ExpiresIn > 0 {
		expiry := now.Add(grant.ExpiresIn).UTC()
		expiresAt = &expiry
		tokens.ExpiresAt = &expiry
	}

	payload, err := s.tokenCodec.Encode(tokens)
	if err != nil {
		return Consent{}, err
	}
	encrypted, err := s.secretProvider.Encrypt(ctx, payload)
	if err != nil {
		return Consent{}, err
	}

	return s.consentStore.SaveTokens(ctx, SaveConsentTokensInput{
		ConsentID:        consentID,
		EncryptedPayload: encrypted,
		PayloadFormat:    s.tokenCodec.Format(),
		PayloadVersion:   s.tokenCodec.Version(),
		GrantedScopes:    normalizeScopes(grant.GrantedScopes),
		ExpiresAt:        expiresAt,
	})
}

func (s *ConsentService) institutionByID(ctx context.Context, institutionID string) (Institution, error) {
	if s.institutionStore == nil {
		return Institution{}, fmt.Errorf("core: institution store is not configured")
	}
	return s.institutionStore.Get(ctx, institutionID)
}

// RefreshConsent rotates the stored tokens using the refresh token. A failed
// refresh marks the consent expired; the user must go through the consent
// flow again.
func (s *ConsentService) RefreshConsent(ctx context.Context, consentID string) (Consent, error) {
	startedAt := s.now()
	consentID = strings.TrimSpace(consentID)

	var err error
	defer func() {
		s.observeOperation(ctx, startedAt, "consent.refresh", err, map[string]any{
			"consent_id": consentID,
		})
	}()

	consent, tokens, loadErr := s.loadTokens(ctx, consentID)
	if loadErr != nil {
		err = loadErr
		return Consent{}, err
	}
	if !tokens.Refreshable() {
		err = NewConsentExpiredError(
			fmt.Sprintf("core: consent %q has no refresh token", consentID),
		)
		return Consent{}, err
	}

	institution, instErr := s.institutionByID(ctx, consent.InstitutionID)
	if instErr != nil {
		err = instErr
		return Consent{}, err
	}

	now := s.now()
	grant, refreshErr := s.tokenClient.RefreshToken(ctx, institution, tokens.RefreshToken)
	if refreshErr != nil {
		if _, updateErr := s.consentStore.UpdateStatus(ctx, consent.ID, ConsentStatusExpired, refreshErr.Error()); updateErr != nil {
			s.logError(ctx, "consent expiry status update failed", map[string]any{
				"consent_id": consent.ID,
				"error":      updateErr.Error(),
			})
		}
		err = NewConsentExpiredError(
			fmt.Sprintf("core: consent %q token refresh failed: %v", consentID, refreshErr),
		)
		return Consent{}, err
	}
	if strings.TrimSpace(grant.RefreshToken) == "" {
		// Institutions that do not rotate refresh tokens keep the old one.
		grant.RefreshToken = tokens.RefreshToken
	}

	updated, saveErr := s.storeGrant(ctx, consent.ID, grant, now)
	if saveErr != nil {
		err = saveErr
		return Consent{}, err
	}

	s.logInfo(ctx, "consent tokens refreshed", map[string]any{
		"consent_id": updated.ID,
	})
	return updated, nil
}

// Revoke permanently revokes a consent and wipes its stored token payload.
// Revocation is irreversible; accounts under the consent stop being syncable
// immediately.
func (s *ConsentService) Revoke(ctx context.Context, consentID string, reason string) (Consent, error) {
	startedAt := s.now()
	consentID = strings.TrimSpace(consentID)

	var err error
	defer func() {
		s.observeOperation(ctx, startedAt, "consent.revoke", err, map[string]any{
			"consent_id": consentID,
		})
	}()

	if s.consentStore == nil {
		err = fmt.Errorf("core: consent store is not configured")
		return Consent{}, err
	}
	if consentID == "" {
		err = s.badInput("core: consent id is required")
		return Consent{}, err
	}

	updated, updateErr := s.consentStore.UpdateStatus(ctx, consentID, ConsentStatusRevoked, strings.TrimSpace(reason))
	if updateErr != nil {
		err = updateErr
		return Consent{}, err
	}

	s.logInfo(ctx, "consent revoked", map[string]any{
		"consent_id": consentID,
	})
	return updated, nil
}

// Reauthorize starts a fresh consent for the same user and institution as an
// existing consent. The old consent is left untouched; revoked or expired
// records stay on file for audit.
func (s *ConsentService) Reauthorize(ctx context.Context, consentID string) (ConsentInitiation, error) {
	consentID = strings.TrimSpace(consentID)
	if s.consentStore == nil || s.institutionStore == nil {
		return ConsentInitiation{}, fmt.Errorf("core: consent service stores are not configured")
	}
	consent, err := s.consentStore.Get(ctx, consentID)
	if err != nil {
		return ConsentInitiation{}, err
	}
	institution, err := s.institutionByID(ctx, consent.InstitutionID)
	if err != nil {
		return ConsentInitiation{}, err
	}
	return s.InitiateConsent(ctx, InitiateConsentInput{
		UserID:          consent.UserID,
		InstitutionCode: institution.Code,
		Scopes:          consent.RequestedScopes,
	})
}

// RegisterAccount links a remote account under an active consent.
func (s *ConsentService) RegisterAccount(ctx context.Context, input CreateAccountInput) (ConnectedAccount, error) {
	startedAt := s.now()

	var err error
	defer func() {
		s.observeOperation(ctx, startedAt, "account.register", err, map[string]any{
			"consent_id": input.ConsentID,
			"user_id":    input.UserID,
		})
	}()

	if s.accountStore == nil || s.consentStore == nil {
		err = fmt.Errorf("core: consent service stores are not configured")
		return ConnectedAccount{}, err
	}
	if strings.TrimSpace(input.ExternalAccountID) == "" {
		err = s.badInput("core: external account id is required")
		return ConnectedAccount{}, err
	}

	consent, getErr := s.consentStore.Get(ctx, strings.TrimSpace(input.ConsentID))
	if getErr != nil {
		err = getErr
		return ConnectedAccount{}, err
	}
	if !consent.IsActive(s.now()) {
		err = NewNotSyncableError(
			fmt.Sprintf("core: consent %q is not active", consent.ID),
		)
		return ConnectedAccount{}, err
	}

	input.UserID = strings.TrimSpace(input.UserID)
	input.ConsentID = consent.ID
	input.InstitutionID = consent.InstitutionID
	account, createErr := s.accountStore.Create(ctx, input)
	if createErr != nil {
		err = createErr
		return ConnectedAccount{}, err
	}

	s.logInfo(ctx, "account registered", map[string]any{
		"account_id": account.ID,
		"consent_id": consent.ID,
	})
	return account, nil
}

// EnsureTokenFresh returns a usable access token for the consent, refreshing
// first when the token is expired or inside the refresh lead window. It is
// called before every institution API call; stored status alone is never
// trusted for expiry.
func (s *ConsentService) EnsureTokenFresh(ctx context.Context, consentID string) (Consent, ConsentTokens, error) {
	startedAt := s.now()
	consentID = strings.TrimSpace(consentID)

	var err error
	defer func() {
		s.observeOperation(ctx, startedAt, "consent.ensure_fresh", err, map[string]any{
			"consent_id": consentID,
		})
	}()

	consent, tokens, loadErr := s.loadTokens(ctx, consentID)
	if loadErr != nil {
		err = loadErr
		return Consent{}, ConsentTokens{}, err
	}

	now := s.now()
	state := ResolveTokenState(now, tokens, s.config.Sync.TokenRefreshLead())
	if ShouldRefreshToken(now, state, s.config.Sync.TokenRefreshLead()) {
		refreshed, refreshErr := s.RefreshConsent(ctx, consentID)
		if refreshErr != nil {
			err = refreshErr
			return Consent{}, ConsentTokens{}, err
		}
		consent = refreshed
		_, tokens, loadErr = s.loadTokens(ctx, consentID)
		if loadErr != nil {
			err = loadErr
			return Consent{}, ConsentTokens{}, err
		}
		state = ResolveTokenState(s.now(), tokens, s.config.Sync.TokenRefreshLead())
	}
	if state.IsExpired || !state.HasAccessToken {
		err = NewConsentExpiredError(
			fmt.Sprintf("core: consent %q token is expired", consentID),
		)
		return Consent{}, ConsentTokens{}, err
	}
	return consent, tokens, nil
}

func (s *ConsentService) loadTokens(ctx context.Context, consentID string) (Consent, ConsentTokens, error) {
	if s.consentStore == nil {
		return Consent{}, ConsentTokens{}, fmt.Errorf("core: consent store is not configured")
	}
	if s.secretProvider == nil {
		return Consent{}, ConsentTokens{}, NewConfigurationError("core: secret provider is not configured")
	}
	if consentID == "" {
		return Consent{}, ConsentTokens{}, s.badInput("core: consent id is required")
	}

	consent, err := s.consentStore.Get(ctx, consentID)
	if err != nil {
		return Consent{}, ConsentTokens{}, err
	}
	if consent.Status == ConsentStatusRevoked || consent.RevokedAt != nil {
		return Consent{}, ConsentTokens{}, NewConsentExpiredError(
			fmt.Sprintf("core: consent %q is revoked", consentID),
		)
	}
	if len(consent.EncryptedPayload) == 0 {
		return Consent{}, ConsentTokens{}, NewConsentExpiredError(
			fmt.Sprintf("core: consent %q has no stored tokens", consentID),
		)
	}

	plaintext, err := s.secretProvider.Decrypt(ctx, consent.EncryptedPayload)
	if err != nil {
		return Consent{}, ConsentTokens{}, err
	}
	tokens, err := s.tokenCodec.Decode(plaintext)
	if err != nil {
		return Consent{}, ConsentTokens{}, err
	}
	return consent, tokens, nil
}

// ActiveConsent loads a consent and fails with a consent expired error when
// it can no longer back API calls.
func (s *ConsentService) ActiveConsent(ctx context.Context, consentID string) (Consent, error) {
	if s == nil || s.consentStore == nil {
		return Consent{}, fmt.Errorf("core: consent store is not configured")
	}
	consent, err := s.consentStore.Get(ctx, strings.TrimSpace(consentID))
	if err != nil {
		return Consent{}, err
	}
	if !consent.IsActive(s.now()) {
		return Consent{}, NewConsentExpiredError(
			fmt.Sprintf("core: consent %q is not active", consentID),
		)
	}
	return consent, nil
}
