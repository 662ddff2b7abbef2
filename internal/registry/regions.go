package registry

// platformRegions maps the AWS-style regions tenants are provisioned with
// to the regions the service deploys in. Several provisioning regions share
// one deployment region.
var platformRegions = map[string]string{
	"us-east-1":      "us-east",
	"us-east-2":      "us-east",
	"ca-central-1":   "us-east",
	"us-west-1":      "us-west",
	"us-west-2":      "us-west",
	"sa-east-1":      "sa-east",
	"eu-west-1":      "eu-west",
	"eu-west-2":      "eu-west",
	"eu-west-3":      "eu-west",
	"eu-central-1":   "eu-central",
	"eu-north-1":     "eu-central",
	"ap-southeast-1": "ap-southeast",
	"ap-southeast-2": "ap-southeast",
	"ap-northeast-1": "ap-northeast",
	"ap-northeast-2": "ap-northeast",
	"ap-south-1":     "ap-south",
}

// PlatformRegion maps a tenant's provisioning region to the deployment
// region that should serve it. Unknown regions return "", meaning any node
// may serve the tenant.
func PlatformRegion(tenantRegion string) string {
	return platformRegions[tenantRegion]
}
