package media

import (
	"context"
	"fmt"

	"github.com/cochaviz/grs/internal/artifacts"
	"github.com/cochaviz/grs/internal/process"
)

// TarIt archives the build root as <name>-YYYYMMDD.tar.xz next to it,
// keeping the capability and PaX extended attributes.
func (p *Producer) TarIt(ctx context.Context, altName string) (artifacts.Medium, error) {
	name, err := p.imageName(altName)
	if err != nil {
		return artifacts.Medium{}, err
	}
	medium := artifacts.Medium{
		Kind: artifacts.TarballMedium,
		Name: artifacts.TarballName(name, p.today()),
		Dir:  p.outputDir(),
	}

	command := process.Command{
		Args: []string{
			"tar",
			"--xattrs",
			"--xattrs-include=security.capability",
			"--xattrs-include=user.pax.flags",
			"-Jcf", medium.Path(),
			".",
		},
		Dir:     p.Root,
		Timeout: process.NoTimeout,
		LogFile: p.LogFile,
	}
	p.logger().Info("creating tarball", "path", medium.Path())
	if _, err := p.Runner.Run(ctx, command); err != nil {
		return artifacts.Medium{}, fmt.Errorf("create tarball: %w", err)
	}
	return medium, nil
}
