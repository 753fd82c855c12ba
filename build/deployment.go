package build

// DeploymentType selects which logging backend and test hooks a binary is
// compiled with.
type DeploymentType byte

const (
	// Development builds are made with the dev tag. They always log to
	// stdout so that test harnesses can capture the output.
	Development DeploymentType = iota

	// Production is the default deployment.
	Production
)

// String returns the name of the deployment.
func (b DeploymentType) String() string {
	switch b {
	case Development:
		return "development"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}

// IsDevBuild returns true if the binary was built with the dev tag.
func IsDevBuild() bool {
	return Deployment == Development
}
