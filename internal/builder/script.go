package builder

import (
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/conveyor-ci/conveyor/internal/model"
)

//go:embed scripts/*.tmpl
var scriptTemplates embed.FS

const (
	buildPackageDirName = "conan_build_package"
	buildOutputDirName  = "conan_output"
)

// Parameters is the immutable description of one build, collected by
// the agent when it leases the build.
type Parameters struct {
	ConanConfigURL    string
	ConanConfigPath   string
	ConanConfigBranch string
	ConanProfile      string
	ConanOptions      string
	ConanCredentials  []model.ConanCredential

	GitURL         string
	GitSHA         string
	GitCredentials []model.GitCredential

	User    string
	Channel string
	Version string
	Path    string

	SSHKey     string // base64
	KnownHosts string // base64

	DockerCredentials []model.DockerCredential

	MTU string
}

// scriptData carries the values substituted into the build script
// template.
type scriptData struct {
	ConanConfigArgs        string
	BuildPackageDir        string
	EscapedBuildPackageDir string
	BuildOutputDir         string
	CreateReference        string
	InfoReference          string
	LockArgs               string
	SetupConanUsers        string
	ConanProfile           string
	ConanOptions           string
	GitURL                 string
	GitSHA                 string
	Path                   string
	MTU                    string
}

func scriptName(platform model.Platform) string {
	if platform == model.PlatformWindows {
		return "build.ps1"
	}
	return "build.sh"
}

func buildPackageDir(platform model.Platform) string {
	if platform == model.PlatformWindows {
		return `C:\` + buildPackageDirName
	}
	return "/" + buildPackageDirName
}

func escapedBuildPackageDir(platform model.Platform) string {
	if platform == model.PlatformWindows {
		return `C:\\` + buildPackageDirName
	}
	return "/" + buildPackageDirName
}

func buildOutputDir(platform model.Platform) string {
	if platform == model.PlatformWindows {
		return `C:\` + buildOutputDirName
	}
	return "/tmp/" + buildOutputDirName
}

func rootDir(platform model.Platform) string {
	if platform == model.PlatformWindows {
		return `C:\`
	}
	return "/"
}

func buildCommand(platform model.Platform) []string {
	if platform == model.PlatformWindows {
		return []string{"cmd", "/s", "/c",
			fmt.Sprintf(`powershell -File %s\build.ps1`, buildPackageDir(platform))}
	}
	return []string{"sh", buildPackageDir(platform) + "/build.sh"}
}

// renderScript fills the platform's script template from the build
// parameters.
func renderScript(platform model.Platform, p *Parameters) (string, error) {
	userChannel := ""
	if p.User != "" {
		userChannel = p.User + "/" + p.Channel
	}
	versionUserChannel := ""
	if p.Version != "" || userChannel != "" {
		versionUserChannel = p.Version + "@" + userChannel
	}

	var lockArgs []string
	if p.Version != "" {
		lockArgs = append(lockArgs, "--version "+p.Version)
	}
	if p.User != "" {
		lockArgs = append(lockArgs, "--user "+p.User, "--channel "+p.Channel)
	}

	configArgs := []string{p.ConanConfigURL + " --type=git"}
	if p.ConanConfigBranch != "" {
		configArgs = append(configArgs, fmt.Sprintf("--args \"-b %s\"", p.ConanConfigBranch))
	}
	if p.ConanConfigPath != "" {
		configArgs = append(configArgs, "-sf "+p.ConanConfigPath)
	}

	data := scriptData{
		ConanConfigArgs:        strings.Join(configArgs, " "),
		BuildPackageDir:        buildPackageDir(platform),
		EscapedBuildPackageDir: escapedBuildPackageDir(platform),
		BuildOutputDir:         buildOutputDir(platform),
		CreateReference:        versionUserChannel,
		InfoReference:          userChannel,
		LockArgs:               strings.Join(lockArgs, " "),
		SetupConanUsers:        setupConanUsers(platform, p.ConanCredentials),
		ConanProfile:           p.ConanProfile,
		ConanOptions:           p.ConanOptions,
		GitURL:                 p.GitURL,
		GitSHA:                 p.GitSHA,
		Path:                   p.Path,
		MTU:                    p.MTU,
	}

	name := scriptName(platform) + ".tmpl"
	tmpl, err := template.ParseFS(scriptTemplates, "scripts/"+name)
	if err != nil {
		return "", fmt.Errorf("failed to parse script template: %w", err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("failed to render script: %w", err)
	}
	return b.String(), nil
}

// setupConanUsers renders one "conan user" login per credential. On
// Linux a failing login must not abort the script, so "|| true" is
// appended.
func setupConanUsers(platform model.Platform, creds []model.ConanCredential) string {
	var commands []string
	for _, c := range creds {
		var password string
		if platform == model.PlatformWindows {
			password = strings.ReplaceAll(c.Password, `"`, `""`)
		} else {
			password = strings.ReplaceAll(c.Password, `\`, `\\`)
			password = strings.ReplaceAll(password, `"`, `\"`)
		}
		s := fmt.Sprintf("conan user -r %s -p \"%s\" %s", c.Remote, password, c.Username)
		if platform != model.PlatformWindows {
			s += " || true"
		}
		commands = append(commands, s)
	}
	return strings.Join(commands, "\n")
}
