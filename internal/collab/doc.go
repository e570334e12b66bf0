// Package collab runs the external generator and uploader programs.
//
// Each call starts the configured command, writes the request as one JSON
// document on stdin and reads a JSON reply from stdout:
//
//	{"success": true, "outputPath": "/videos/a.mp4"}
//	{"success": true, "uploadUrl": "https://..."}
//	{"success": false, "error": "quota exceeded"}
//
// The last non-empty stdout line is the reply, so tools may log progress
// before it. A non-zero exit, a timeout or an unparsable reply is a failed
// call; retrying is the caller's decision.
package collab
