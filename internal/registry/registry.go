// Package registry holds the static tool descriptor catalog. It is the
// single source of truth for whether a job type is mutating and therefore
// requires an approval token — the Gateway and the Worker Pool both
// consult it rather than encoding the bit themselves.
package registry

// Descriptor describes one job type the coworker server can execute.
type Descriptor struct {
	TypeID      string   `json:"type_id"`
	Name        string   `json:"name"`
	Mutating    bool     `json:"mutating"`
	ParamKeys   []string `json:"param_keys"`
	ResultMIME  string   `json:"result_mime"`
}

// Known job type IDs. Wire-stable.
const (
	TypeDirScan           = "dir_scan"
	TypeDirList           = "dir_list"
	TypeFileRead          = "file_read"
	TypeOrganizePlan      = "organize_plan"
	TypeExecutePlan       = "execute_plan"
	TypeWebBrowse         = "web_browse"
	TypeDocxWrite         = "docx_write"
	TypePDFWrite          = "pdf_write"
	TypeCodeExecute       = "code_execute"
	TypeAudioCapture      = "audio_capture"
	TypeTranscriptAnalyze = "transcript_analyze"
	TypeSoftDelete        = "soft_delete"
	TypeRestoreFromTrash  = "restore_from_trash"
	TypeCreateExcel       = "create_excel"
	TypeSearchPastActions = "search_past_actions"
	TypeSearchGoogleDrive = "search_google_drive"
	TypeListenMeeting     = "listen_meeting"
)

var descriptors = []Descriptor{
	{TypeID: TypeDirScan, Name: "Directory Scan", Mutating: false,
		ParamKeys: []string{"root"}, ResultMIME: "application/json"},
	{TypeID: TypeDirList, Name: "Directory List", Mutating: false,
		ParamKeys: []string{"root"}, ResultMIME: "application/json"},
	{TypeID: TypeFileRead, Name: "File Read", Mutating: false,
		ParamKeys: []string{"path"}, ResultMIME: "application/octet-stream"},
	{TypeID: TypeOrganizePlan, Name: "Organize Plan", Mutating: false,
		ParamKeys: []string{"root", "policy"}, ResultMIME: "application/json"},
	{TypeID: TypeExecutePlan, Name: "Execute Plan", Mutating: true,
		ParamKeys: []string{"plan_job_id"}, ResultMIME: "application/json"},
	{TypeID: TypeWebBrowse, Name: "Web Browse", Mutating: false,
		ParamKeys: []string{"url"}, ResultMIME: "text/plain"},
	{TypeID: TypeDocxWrite, Name: "DOCX Write", Mutating: true,
		ParamKeys: []string{"path", "content"}, ResultMIME: "application/json"},
	{TypeID: TypePDFWrite, Name: "PDF Write", Mutating: true,
		ParamKeys: []string{"path", "content"}, ResultMIME: "application/json"},
	{TypeID: TypeCodeExecute, Name: "Code Execute", Mutating: true,
		ParamKeys: []string{"command", "cwd"}, ResultMIME: "application/json"},
	{TypeID: TypeAudioCapture, Name: "Audio Capture", Mutating: true,
		ParamKeys: []string{"duration_seconds", "path"}, ResultMIME: "application/json"},
	{TypeID: TypeTranscriptAnalyze, Name: "Transcript Analyze", Mutating: false,
		ParamKeys: []string{"path"}, ResultMIME: "application/json"},
	{TypeID: TypeSoftDelete, Name: "Soft Delete", Mutating: true,
		ParamKeys: []string{"path"}, ResultMIME: "application/json"},
	{TypeID: TypeRestoreFromTrash, Name: "Restore From Trash", Mutating: true,
		ParamKeys: []string{"trash_path", "restore_to"}, ResultMIME: "application/json"},
	{TypeID: TypeCreateExcel, Name: "Create Excel", Mutating: true,
		ParamKeys: []string{"path", "data"}, ResultMIME: "application/json"},
	{TypeID: TypeSearchPastActions, Name: "Search Past Actions", Mutating: false,
		ParamKeys: []string{"query", "root"}, ResultMIME: "application/json"},
	{TypeID: TypeSearchGoogleDrive, Name: "Search Google Drive", Mutating: false,
		ParamKeys: []string{"query"}, ResultMIME: "application/json"},
	{TypeID: TypeListenMeeting, Name: "Listen Meeting", Mutating: false,
		ParamKeys: []string{"duration_seconds"}, ResultMIME: "application/json"},
}

var byTypeID = func() map[string]Descriptor {
	index := make(map[string]Descriptor, len(descriptors))
	for _, descriptor := range descriptors {
		index[descriptor.TypeID] = descriptor
	}
	return index
}()

// All returns the full tool catalog, in registration order.
func All() []Descriptor {
	result := make([]Descriptor, len(descriptors))
	copy(result, descriptors)
	return result
}

// Lookup returns the descriptor for a type id, if known.
func Lookup(typeID string) (Descriptor, bool) {
	descriptor, ok := byTypeID[typeID]
	return descriptor, ok
}

// IsMutating reports whether typeID requires an approval token. Unknown
// type ids are treated as mutating, the conservative default.
func IsMutating(typeID string) bool {
	descriptor, ok := byTypeID[typeID]
	if !ok {
		return true
	}
	return descriptor.Mutating
}
