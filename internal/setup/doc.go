// Package setup prepares a host for grs: the namespace configuration under
// /etc/grs and the daemon log directory.
//
// This package is essentially a collection of scripts and constants, and is therefore the only package that is
// allowed to call a global logger.
package setup
