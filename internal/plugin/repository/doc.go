// Package repository polls remote package indexes for module updates and
// installs verified packages.
//
// An index is a JSON document listing manifest-like entries that also
// carry a download location and the expected SHA-256 of the package
// archive:
//
//	{
//	  "packages": [
//	    {
//	      "manifest_version": 1,
//	      "name": "Example",
//	      "namespace": "example.module",
//	      "version": "1.3.0",
//	      "package": "main.lua",
//	      "download_url": "example.module-1.3.0.zip",
//	      "checksum": "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
//	    }
//	  ]
//	}
//
// Relative download URLs resolve against the index URL.
//
// Network and checksum work may run on background goroutines, but every
// registry change is applied on the host's main goroutine. The *Async
// variants hand their results to plugin.System.Post.
package repository
