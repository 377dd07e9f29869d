package leash

// defaultBlockPatterns is the pattern data written to a fresh policies file
// by Init. It covers destructive SQL, recursive/forced deletion,
// permission widening, disk formatting, fork bombs, remote-script pipelines,
// and sensitive-path access. The patterns are configuration data: once a
// policies file exists, only its contents matter.
var defaultBlockPatterns = []string{
	// Database operations.
	`DROP\s+TABLE`,
	`DROP\s+DATABASE`,
	`TRUNCATE\s+TABLE`,
	`DELETE\s+FROM\s+\w+\s*;?\s*$`, // DELETE without WHERE

	// Filesystem operations.
	`rm\s+-rf\s+/`,
	`rm\s+-rf\s+\*`,
	`sudo\s+rm`,
	`chmod\s+777`,

	// System operations.
	`mkfs\.`,
	`dd\s+if=`,
	`:\(\)\{ :\|:& \};:`, // fork bomb

	// Remote-script pipelines and exfiltration.
	`curl[^|]*\|\s*(ba)?sh`,
	`wget[^|]*\|\s*(ba)?sh`,
	`curl.*pastebin`,
	`wget.*pastebin`,

	// Sensitive paths.
	`/etc/shadow`,
	`/etc/sudoers`,
	`\.ssh/id_(rsa|ed25519)`,
	`\.aws/credentials`,
	`\.config/gcloud/`,
	`\.kube/config`,
	`\.docker/config\.json`,
	`\.env(\.local|\.production)?\b`,
}

// paranoidExtraPatterns extends the default set for the "paranoid" policy.
var paranoidExtraPatterns = []string{
	`/etc/passwd`,
	`\bnc\b.*-e`,
	`base64\s+-d.*\|\s*(ba)?sh`,
	`>\s*/dev/sd[a-z]`,
}

// DefaultPolicySpecs returns the policy definitions written by Init: a
// "default" policy with network access and a write budget, and a "paranoid"
// policy with no network and a tighter budget.
func DefaultPolicySpecs() map[string]PolicySpec {
	return map[string]PolicySpec{
		"default": {
			BlockPatterns: append([]string(nil), defaultBlockPatterns...),
			AllowNetwork:  true,
			MaxFileWrites: 100,
		},
		"paranoid": {
			BlockPatterns: append(append([]string(nil), defaultBlockPatterns...), paranoidExtraPatterns...),
			AllowNetwork:  false,
			MaxFileWrites: 20,
		},
	}
}
