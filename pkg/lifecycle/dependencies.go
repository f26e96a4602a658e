package lifecycle

import (
	"context"
	"fmt"

	"github.com/platinummonkey/plexus/pkg/extensions"
)

// resolveDependency finds the installed extension a dependency points at
func (m *Manager) resolveDependency(ctx context.Context, dep extensions.Dependency) (*extensions.Extension, error) {
	if dep.ExtensionID != "" {
		ext, err := m.repo.GetByID(ctx, dep.ExtensionID)
		if err != nil || ext != nil {
			return ext, err
		}
	}
	if dep.Name != "" {
		return m.repo.GetByName(ctx, dep.Name)
	}
	return nil, nil
}

// checkDependencies requires every non-optional dependency to be installed
// and active.
func (m *Manager) checkDependencies(ctx context.Context, ext *extensions.Extension) error {
	var missing []string
	for _, dep := range ext.Compatibility.Dependencies {
		if dep.Optional {
			continue
		}
		target, err := m.resolveDependency(ctx, dep)
		if err != nil {
			return fmt.Errorf("failed to resolve dependency %s: %w", dependencyLabel(dep), err)
		}
		if target == nil || target.Status != extensions.StatusActive {
			missing = append(missing, dependencyLabel(dep))
		}
	}
	if len(missing) > 0 {
		return &extensions.DependencyError{ExtensionID: ext.ExtensionID, Missing: missing}
	}
	return nil
}

// ResolveDependencies returns the activation order for id: every installed
// transitive dependency first, id last. Missing non-optional dependencies
// yield a DependencyError; cycles are reported as errors.
func (m *Manager) ResolveDependencies(ctx context.Context, id string) ([]string, error) {
	root, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}

	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int)
	var order []string
	var missing []string

	var visit func(ext *extensions.Extension) error
	visit = func(ext *extensions.Extension) error {
		switch state[ext.ExtensionID] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle through extension %s", ext.Name)
		}
		state[ext.ExtensionID] = visiting

		for _, dep := range ext.Compatibility.Dependencies {
			target, err := m.resolveDependency(ctx, dep)
			if err != nil {
				return fmt.Errorf("failed to resolve dependency %s: %w", dependencyLabel(dep), err)
			}
			if target == nil {
				if !dep.Optional {
					missing = append(missing, dependencyLabel(dep))
				}
				continue
			}
			if err := visit(target); err != nil {
				return err
			}
		}

		state[ext.ExtensionID] = done
		order = append(order, ext.ExtensionID)
		return nil
	}

	if err := visit(root); err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, &extensions.DependencyError{ExtensionID: id, Missing: missing}
	}
	return order, nil
}
