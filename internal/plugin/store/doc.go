// Package store persists module state across host restarts.
//
// File keeps every module's ModuleState and the user's acknowledged
// updates in one JSON document:
//
//	{
//	  "version": 1,
//	  "modules": {
//	    "example.module": {
//	      "enabled": true,
//	      "user_enabled_permissions": ["network"],
//	      "ignore_dependencies": false,
//	      "settings": {"theme": "dark"}
//	    }
//	  },
//	  "acknowledged": ["example.module@1.3.0"]
//	}
//
// Memory is an in-process equivalent for tests and ephemeral hosts.
package store
