package execution

// Policy-visible attribute keys.
const (
	AttrContextPath     = "context-path"
	AttrAPI             = "api"
	AttrAPIName         = "api.name"
	AttrAPIDeployedAt   = "api.deployed-at"
	AttrInvoker         = "invoker"
	AttrOrganization    = "organization"
	AttrEnvironment     = "environment"
	AttrPlan            = "plan"
	AttrApplication     = "application"
	AttrSubscriptionID  = "user-id"
	AttrResolvedPath    = "resolved-path"
	AttrRequestEndpoint = "request.endpoint"
	AttrRequestMethod   = "request.method"
	AttrInvokerSkip     = "invoker.skip"
	AttrJWTClaims       = "jwt.claims"
)

// Gateway-private attribute keys, never exposed to expressions.
const (
	InternalEntrypointConnector  = "entrypoint-connector"
	InternalEndpointConnectorID  = "endpoint-connector-id"
	InternalSecurityToken        = "security-token"
	InternalValidateSubscription = "validate-subscription"
	InternalSubscription         = "subscription"
	InternalSecuritySkip         = "security.skip"
	InternalSecurityPlan         = "security.plan"
	InternalFlowsPrefix          = "flows."
	InternalFailure              = "execution-failure"
)
