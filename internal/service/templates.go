package service

// dbusPolicyTemplate is the system bus policy for the service. The system
// bus already denies own and method_call by default; root may own the name
// and everybody may call it, since every mutating method is authorized
// against polkit.
const dbusPolicyTemplate = `<!DOCTYPE busconfig PUBLIC "-//freedesktop//DTD D-BUS Bus Configuration 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/busconfig.dtd">
<busconfig>
  <policy user="root">
    <allow own="{{.BusName}}"/>
    <allow send_destination="{{.BusName}}"/>
  </policy>

  <policy context="default">
    <allow send_destination="{{.BusName}}"/>
  </policy>
</busconfig>
`

// systemdUnitTemplate is the system unit. Type=notify waits for READY=1.
// The helper runs in the unit's mount namespace, so /home and /tmp must stay
// the host's and writable for subvolume and loop operations there.
const systemdUnitTemplate = `[Unit]
Description=Storage Dispatcher - privileged storage operations over D-Bus
Documentation=https://github.com/nikicat/storage-dispatcher
After=dbus.service udisks2.service polkit.service
Requires=dbus.service
Wants=udisks2.service

[Service]
Type=notify
BusName={{.BusName}}
ExecStart={{.ExecStart}}
Restart=on-failure
RestartSec=5
NoNewPrivileges=yes

[Install]
WantedBy=multi-user.target
`

// polkitPolicyTemplate declares every action the service checks.
const polkitPolicyTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE policyconfig PUBLIC "-//freedesktop//DTD PolicyKit Policy Configuration 1.0//EN"
 "http://www.freedesktop.org/standards/PolicyKit/1/policyconfig.dtd">
<policyconfig>
  <vendor>Storage Dispatcher</vendor>
  <vendor_url>https://github.com/nikicat/storage-dispatcher</vendor_url>
{{range .Actions}}
  <action id="{{.ID}}">
    <description>{{.Method}} through the storage dispatcher</description>
    <message>Authentication is required to {{.Verb}}</message>
    <defaults>
      <allow_any>auth_admin</allow_any>
      <allow_inactive>auth_admin</allow_inactive>
      <allow_active>{{if .SelfService}}yes{{else}}auth_admin_keep{{end}}</allow_active>
    </defaults>
  </action>
{{end}}
</policyconfig>
`
