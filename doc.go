// Package scanftp implements an FTP client that speaks the raw protocol
// over a single control connection and refuses to upload anything a virus
// scanner has not certified as clean.
//
// # Overview
//
// The client keeps one command in flight at a time and tracks every reply
// it reads. When the control stream stops lining up with the commands that
// were sent (a preliminary reply where none belongs, unsolicited bytes,
// garbage that cannot be framed, a reply that never arrives) the session is
// marked broken and every later command fails with ErrSessionBroken until
// Reconnect is called. Ordinary 4xx and 5xx replies are returned as
// *CommandRejected and leave the session usable.
//
// # Basic Usage
//
//	client, err := scanftp.Dial("ftp.example.com:21")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Quit()
//
//	if err := client.Login("username", "password"); err != nil {
//	    log.Fatal(err)
//	}
//
// # Gated Uploads
//
// Put streams the local file to a Scanner before anything is sent to the
// FTP server. Only a CLEAN verdict lets STOR go out; INFECTED, a scan
// failure or a missing scanner all return *UploadBlocked. The scan package
// provides a Gate that talks to a scan agent over TCP:
//
//	client, err := scanftp.Dial("ftp.example.com:21",
//	    scanftp.WithScanner(scan.NewGate("10.0.0.5:12067")),
//	)
//
//	report, err := client.Put(ctx, "invoice.pdf", "")
//
// # Data Connections
//
// Passive mode is the default. WithActiveMode makes the client listen and
// announce the port with PORT; the server must connect back within the
// active timeout.
//
// # Transfer Modes
//
// Sessions use binary mode unless WithMode or SetMode selects ModeASCII.
// TYPE is sent before a transfer whenever the server may be in another
// mode. ASCII transfers convert between local line
// endings and CRLF on the wire.
//
// # Cancellation
//
// Transfers accept a context. Cancelling it aborts the data connection;
// the server's completion reply is still consumed so the session stays
// aligned.
package scanftp
