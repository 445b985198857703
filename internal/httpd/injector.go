package httpd

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/previewtools/go-preview-server/internal/connection"
)

// reloadScript is the client injected into every served HTML page. It
// subscribes to the reload server and follows portUpdate messages to
// the new port when the WebSocket server rebinds.
const reloadScript = `<script type="text/javascript">
(function () {
	function connect(address) {
		var socket = new WebSocket(address);
		socket.addEventListener('message', function (e) {
			var msg = JSON.parse(e.data);
			if (msg.type === 'reload') {
				window.location.reload();
			} else if (msg.type === 'portUpdate') {
				socket.close();
				connect(address.replace(/:\d+\//, ':' + msg.wsPort + '/'));
			}
		});
	}
	connect('%s');
})();
</script>`

// injector rewrites HTML responses to carry the reload client. The
// port is the one piece of mutable state: it starts provisional
// (httpPort+1) and is corrected once the WebSocket server confirms
// where it actually bound. Host and upgrade path are read from the
// connection at injection time so a host reset is picked up too.
type injector struct {
	conn *connection.Connection

	mu     sync.RWMutex
	wsPort int
}

func newInjector(conn *connection.Connection) *injector {
	return &injector{conn: conn}
}

func (i *injector) setPort(port int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.wsPort = port
}

func (i *injector) port() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.wsPort
}

// address returns the WebSocket address the injected client connects to
func (i *injector) address() string {
	hostPort := net.JoinHostPort(i.conn.Host(), strconv.Itoa(i.port()))
	return fmt.Sprintf("ws://%s%s", hostPort, i.conn.WSPath())
}

// inject inserts the reload script before the final </body> tag,
// case-insensitively. Documents without a body close tag get the
// script appended, which browsers tolerate.
func (i *injector) inject(html []byte) []byte {
	script := fmt.Sprintf(reloadScript, i.address())

	idx := strings.LastIndex(strings.ToLower(string(html)), "</body>")
	if idx == -1 {
		return append(html, []byte("\n"+script)...)
	}

	out := make([]byte, 0, len(html)+len(script)+1)
	out = append(out, html[:idx]...)
	out = append(out, []byte(script+"\n")...)
	out = append(out, html[idx:]...)
	return out
}
