package credentials

import (
	"fmt"
	"sort"
	"strings"

	"github.com/elaas-dev/forge/internal/models"
)

// Credentials holds provider secrets for one deployment run. Values live in
// memory and in the subprocess environment only; nothing here is ever written
// to the workspace or passed on a command line.
type Credentials struct {
	Provider models.Provider

	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSSessionToken    string
	AWSRegion          string

	GCPProjectID         string
	GCPServiceAccountKey string

	AzureSubscriptionID string
	AzureClientID       string
	AzureClientSecret   string
	AzureTenantID       string

	MongoDBPublicKey  string
	MongoDBPrivateKey string

	SnowflakeAccount   string
	SnowflakeUser      string
	SnowflakePassword  string
	SnowflakeWarehouse string
}

// MissingCredentialsError reports every absent required field at once so the
// operator can fix the configuration in a single pass.
type MissingCredentialsError struct {
	Provider models.Provider
	Fields   []string
}

func (e *MissingCredentialsError) Error() string {
	return fmt.Sprintf("missing credentials for provider %s: %s", e.Provider, strings.Join(e.Fields, ", "))
}

// fieldMap is the single naming source for credential fields. Keys are the
// configuration names; sources and error messages both use them.
func (c *Credentials) fieldMap() map[string]*string {
	return map[string]*string{
		"aws_access_key_id":       &c.AWSAccessKeyID,
		"aws_secret_access_key":   &c.AWSSecretAccessKey,
		"aws_session_token":       &c.AWSSessionToken,
		"aws_region":              &c.AWSRegion,
		"gcp_project_id":          &c.GCPProjectID,
		"gcp_service_account_key": &c.GCPServiceAccountKey,
		"azure_subscription_id":   &c.AzureSubscriptionID,
		"azure_client_id":         &c.AzureClientID,
		"azure_client_secret":     &c.AzureClientSecret,
		"azure_tenant_id":         &c.AzureTenantID,
		"mongodb_public_key":      &c.MongoDBPublicKey,
		"mongodb_private_key":     &c.MongoDBPrivateKey,
		"snowflake_account":       &c.SnowflakeAccount,
		"snowflake_user":          &c.SnowflakeUser,
		"snowflake_password":      &c.SnowflakePassword,
		"snowflake_warehouse":     &c.SnowflakeWarehouse,
	}
}

// requiredFields lists what each provider needs before a run may start. The
// AWS pair is required for every provider because remote state lives in S3.
var requiredFields = map[models.Provider][]string{
	models.ProviderAWS:       {},
	models.ProviderGCP:       {"gcp_project_id", "gcp_service_account_key"},
	models.ProviderAzure:     {"azure_subscription_id", "azure_client_id", "azure_client_secret", "azure_tenant_id"},
	models.ProviderMongoDB:   {"mongodb_public_key", "mongodb_private_key"},
	models.ProviderSnowflake: {"snowflake_account", "snowflake_user", "snowflake_password", "snowflake_warehouse"},
}

var stateBackendFields = []string{"aws_access_key_id", "aws_secret_access_key"}

func (c *Credentials) validate() error {
	providerReq, ok := requiredFields[c.Provider]
	if !ok {
		return fmt.Errorf("unknown provider %q", c.Provider)
	}

	fields := c.fieldMap()
	var missing []string
	for _, name := range stateBackendFields {
		if *fields[name] == "" {
			missing = append(missing, name)
		}
	}
	for _, name := range providerReq {
		if *fields[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &MissingCredentialsError{Provider: c.Provider, Fields: missing}
	}
	return nil
}

// providerEnv maps validated credentials to the environment variables the
// terraform providers read.
func (c *Credentials) providerEnv() map[string]string {
	switch c.Provider {
	case models.ProviderGCP:
		// Key material is passed inline; the engine never writes key files.
		return map[string]string{
			"GOOGLE_PROJECT":     c.GCPProjectID,
			"GOOGLE_CREDENTIALS": c.GCPServiceAccountKey,
		}
	case models.ProviderAzure:
		return map[string]string{
			"ARM_SUBSCRIPTION_ID": c.AzureSubscriptionID,
			"ARM_CLIENT_ID":       c.AzureClientID,
			"ARM_CLIENT_SECRET":   c.AzureClientSecret,
			"ARM_TENANT_ID":       c.AzureTenantID,
		}
	case models.ProviderMongoDB:
		return map[string]string{
			"MONGODB_ATLAS_PUBLIC_KEY":  c.MongoDBPublicKey,
			"MONGODB_ATLAS_PRIVATE_KEY": c.MongoDBPrivateKey,
		}
	case models.ProviderSnowflake:
		return map[string]string{
			"SNOWFLAKE_ACCOUNT":   c.SnowflakeAccount,
			"SNOWFLAKE_USER":      c.SnowflakeUser,
			"SNOWFLAKE_PASSWORD":  c.SnowflakePassword,
			"SNOWFLAKE_WAREHOUSE": c.SnowflakeWarehouse,
		}
	default:
		return nil
	}
}

// BuildEnv returns a copy of base with provider credentials overlaid. The AWS
// pair is always present for the S3 state backend, whatever the target
// provider. An inherited AWS_SESSION_TOKEN is dropped unless one was supplied,
// so stale session tokens from the daemon environment cannot shadow the
// long-lived keys.
func BuildEnv(base []string, creds Credentials) ([]string, error) {
	if err := creds.validate(); err != nil {
		return nil, err
	}

	env := make(map[string]string, len(base)+8)
	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	for k, v := range creds.providerEnv() {
		env[k] = v
	}

	env["AWS_ACCESS_KEY_ID"] = creds.AWSAccessKeyID
	env["AWS_SECRET_ACCESS_KEY"] = creds.AWSSecretAccessKey
	if creds.AWSRegion != "" {
		env["AWS_DEFAULT_REGION"] = creds.AWSRegion
	}
	if creds.AWSSessionToken != "" {
		env["AWS_SESSION_TOKEN"] = creds.AWSSessionToken
	} else {
		delete(env, "AWS_SESSION_TOKEN")
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out, nil
}

// SecretValues returns the values that must never appear in logs or stored
// output. Identifiers like region, project and account names are not secrets.
func (c *Credentials) SecretValues() []string {
	candidates := []string{
		c.AWSAccessKeyID,
		c.AWSSecretAccessKey,
		c.AWSSessionToken,
		c.GCPServiceAccountKey,
		c.AzureClientSecret,
		c.MongoDBPublicKey,
		c.MongoDBPrivateKey,
		c.SnowflakePassword,
	}
	values := make([]string, 0, len(candidates))
	for _, v := range candidates {
		if v != "" {
			values = append(values, v)
		}
	}
	return values
}

// credentialVarKeys are variable names that carry credentials. User variable
// maps are scrubbed of these before persistence and before tfvars rendering;
// the real values travel only through the subprocess environment.
var credentialVarKeys = map[string]struct{}{
	"aws_access_key_id": {}, "aws_secret_access_key": {}, "aws_session_token": {},
	"AWS_ACCESS_KEY_ID": {}, "AWS_SECRET_ACCESS_KEY": {}, "AWS_SESSION_TOKEN": {},
	"gcp_project_id": {}, "gcp_service_account_key": {},
	"GOOGLE_PROJECT": {}, "GOOGLE_CREDENTIALS": {}, "GOOGLE_APPLICATION_CREDENTIALS": {},
	"azure_subscription_id": {}, "azure_client_id": {}, "azure_client_secret": {}, "azure_tenant_id": {},
	"ARM_SUBSCRIPTION_ID": {}, "ARM_CLIENT_ID": {}, "ARM_CLIENT_SECRET": {}, "ARM_TENANT_ID": {},
	"mongodb_public_key": {}, "mongodb_private_key": {},
	"MONGODB_ATLAS_PUBLIC_KEY": {}, "MONGODB_ATLAS_PRIVATE_KEY": {},
	"snowflake_account": {}, "snowflake_user": {}, "snowflake_password": {}, "snowflake_warehouse": {},
	"SNOWFLAKE_ACCOUNT": {}, "SNOWFLAKE_USER": {}, "SNOWFLAKE_PASSWORD": {}, "SNOWFLAKE_WAREHOUSE": {},
}

// StripCredentialKeys returns a copy of vars with credential-named keys
// removed. The input map is left untouched.
func StripCredentialKeys(vars map[string]interface{}) map[string]interface{} {
	if vars == nil {
		return nil
	}
	safe := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		if _, drop := credentialVarKeys[k]; drop {
			continue
		}
		safe[k] = v
	}
	return safe
}
