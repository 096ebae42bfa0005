package isolation

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// netnsRunDir is where the kernel exposes named network namespaces.
const netnsRunDir = "/var/run/netns"

// createNamespace creates a named network namespace for a slot and brings
// its loopback interface up. The namespace name doubles as the instance
// name so the orphan sweep can correlate the two.
func createNamespace(name string) (string, error) {
	ns, err := netns.GetFromName(name)
	if err != nil {
		if !errors.Is(err, syscall.ENOENT) {
			return "", fmt.Errorf("failed to look up netns %s: %w", name, err)
		}
		if ns, err = netns.NewNamed(name); err != nil {
			return "", fmt.Errorf("failed to create netns %s: %w", name, err)
		}
	}
	defer ns.Close()

	handle, err := netlink.NewHandleAt(ns)
	if err != nil {
		return "", fmt.Errorf("failed to open netlink handle in %s: %w", name, err)
	}
	defer handle.Close()

	if lo, err := handle.LinkByName("lo"); err == nil {
		if err := handle.LinkSetUp(lo); err != nil {
			return "", fmt.Errorf("failed to bring up lo in %s: %w", name, err)
		}
	}
	return name, nil
}

// deleteNamespace destroys a named network namespace. Missing namespaces are
// not an error, keeping release idempotent.
func deleteNamespace(name string) error {
	if err := netns.DeleteNamed(name); err != nil && !errors.Is(err, syscall.ENOENT) {
		return fmt.Errorf("failed to delete netns %s: %w", name, err)
	}
	return nil
}

// listNamespaces returns the names of all named network namespaces.
func listNamespaces() ([]string, error) {
	entries, err := os.ReadDir(netnsRunDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
