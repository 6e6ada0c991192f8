package agent

// ToolDisplay is how a tool invocation is presented in the activity feed.
type ToolDisplay struct {
	Label string
	Icon  string
}

var toolDisplays = map[string]ToolDisplay{
	"get_sidfm_emails":                   {Label: "Fetching SIDfm vulnerability emails", Icon: "mail"},
	"get_unread_emails":                  {Label: "Checking unread emails", Icon: "mail"},
	"mark_email_as_read":                 {Label: "Marking email as read", Icon: "mail-check"},
	"check_gmail_connection":             {Label: "Checking Gmail connection", Icon: "mail"},
	"search_sbom_by_purl":                {Label: "Searching SBOM by package URL", Icon: "search"},
	"search_sbom_by_product":             {Label: "Searching SBOM by product name", Icon: "search"},
	"get_sbom_contents":                  {Label: "Listing SBOM contents", Icon: "list"},
	"list_sbom_package_types":            {Label: "Listing SBOM package types", Icon: "list"},
	"count_sbom_packages_by_type":        {Label: "Counting SBOM packages by type", Icon: "bar-chart-3"},
	"list_sbom_packages_by_type":         {Label: "Listing SBOM packages by type", Icon: "filter"},
	"list_sbom_package_versions":         {Label: "Listing package versions", Icon: "history"},
	"get_sbom_entry_by_purl":             {Label: "Fetching SBOM entry by PURL", Icon: "target"},
	"get_affected_systems":               {Label: "Identifying affected systems", Icon: "server"},
	"get_owner_mapping":                  {Label: "Looking up system owners", Icon: "users"},
	"send_vulnerability_alert":           {Label: "Sending vulnerability alert", Icon: "alert-triangle"},
	"send_simple_message":                {Label: "Sending notification", Icon: "message-square"},
	"check_chat_connection":              {Label: "Checking Chat connection", Icon: "message-square"},
	"list_space_members":                 {Label: "Listing space members", Icon: "users"},
	"log_vulnerability_history":          {Label: "Recording vulnerability history", Icon: "database"},
	"register_remote_agent":              {Label: "Registering remote agent", Icon: "link"},
	"call_remote_agent":                  {Label: "Calling remote agent", Icon: "link"},
	"list_registered_agents":             {Label: "Listing registered agents", Icon: "link"},
	"create_jira_ticket_request":         {Label: "Creating Jira ticket", Icon: "clipboard"},
	"create_approval_request":            {Label: "Creating approval request", Icon: "check-circle"},
	"list_sidfm_email_subjects":          {Label: "Listing SIDfm email subjects", Icon: "list"},
	"list_unread_email_ids":              {Label: "Listing unread email IDs", Icon: "list"},
	"get_email_preview_by_id":            {Label: "Fetching email preview", Icon: "mail-open"},
	"get_chat_space_info":                {Label: "Fetching Chat space info", Icon: "message-square"},
	"list_chat_member_emails":            {Label: "Listing Chat member emails", Icon: "users"},
	"build_history_record_preview":       {Label: "Building history record", Icon: "clipboard"},
	"list_registered_agent_ids":          {Label: "Listing linked agent IDs", Icon: "list"},
	"get_registered_agent_details":       {Label: "Fetching linked agent details", Icon: "info"},
	"get_configured_bigquery_tables":     {Label: "Checking configured BigQuery tables", Icon: "database"},
	"check_bigquery_readability_summary": {Label: "Checking BigQuery read access", Icon: "shield-check"},
	"list_web_search_urls":               {Label: "Listing search result URLs", Icon: "globe"},
	"get_web_content_excerpt":            {Label: "Fetching web page excerpt", Icon: "file-text"},
	"get_nvd_cvss_summary":               {Label: "Fetching NVD CVSS summary", Icon: "activity"},
	"list_osv_vulnerability_ids":         {Label: "Listing OSV vulnerability IDs", Icon: "list"},
	"save_vulnerability_history_minimal": {Label: "Saving minimal history", Icon: "database"},
}

// DisplayFor returns the label and icon for tool, with a generic fallback.
func DisplayFor(tool string) ToolDisplay {
	if d, ok := toolDisplays[tool]; ok {
		return d
	}
	return ToolDisplay{Label: tool + " running", Icon: "wrench"}
}
