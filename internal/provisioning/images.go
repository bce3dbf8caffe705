package provisioning

// FallbackRegion is used when no region can be resolved from the request,
// the tenant settings or the server configuration.
const FallbackRegion = "us-east-1"

// DefaultInstanceType is used when neither tenant nor server configure one.
const DefaultInstanceType = "t3.micro"

// Ubuntu 22.04 LTS amd64 images per region. Tenants override with
// Credentials.MachineImageID when they need something else.
var regionImages = map[string]string{
	"us-east-1":      "ami-0c7217cdde317cfec",
	"us-east-2":      "ami-05fb0b8c1424f266b",
	"us-west-1":      "ami-0ce2cb35386fc22e9",
	"us-west-2":      "ami-008fe2fc65df48dac",
	"ca-central-1":   "ami-0a2e7efb4257c0907",
	"eu-west-1":      "ami-0905a3c97561e0b69",
	"eu-west-2":      "ami-0e5f882be1900e43b",
	"eu-west-3":      "ami-01d21b7be69801c2f",
	"eu-central-1":   "ami-0faab6bdbac9486fb",
	"eu-north-1":     "ami-0014ce3e52359afbd",
	"ap-south-1":     "ami-03f4878755434977f",
	"ap-southeast-1": "ami-0fa377108253bf620",
	"ap-southeast-2": "ami-04f5097681773b989",
	"ap-northeast-1": "ami-07c589821f2b353aa",
	"ap-northeast-2": "ami-0f3a440bbcff3d043",
	"sa-east-1":      "ami-0fb4cf3a99aa89f72",
}

// ImageForRegion returns the default image for region, falling back to the
// fallback region's image instead of failing.
func ImageForRegion(region string) string {
	if img, ok := regionImages[region]; ok {
		return img
	}
	return regionImages[FallbackRegion]
}

// ResolveRegion picks the first non-empty region of requested, the tenant
// default, the server default, then FallbackRegion.
func ResolveRegion(requested string, creds Credentials, serverDefault string) string {
	for _, r := range []string{requested, creds.DefaultRegion, serverDefault} {
		if r != "" {
			return r
		}
	}
	return FallbackRegion
}

// ResolveImage applies the tenant override before the region map.
func ResolveImage(creds Credentials, region string) string {
	if creds.MachineImageID != "" {
		return creds.MachineImageID
	}
	return ImageForRegion(region)
}

// ResolveInstanceType applies tenant override, then server default.
func ResolveInstanceType(creds Credentials, serverDefault string) string {
	if creds.InstanceType != "" {
		return creds.InstanceType
	}
	if serverDefault != "" {
		return serverDefault
	}
	return DefaultInstanceType
}
