package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/textproto"
	neturl "net/url"
	"strings"
	"time"

	"github.com/airbusgeo/geofed/common"
	"github.com/airbusgeo/geofed/registry"
	"github.com/airbusgeo/geofed/service"
	"github.com/jlaffaye/ftp"
)

// FTPProvider streams ftp:// assets, dialing per asset
type FTPProvider struct {
	user  string
	pword string
}

// NewFTPProvider builds the ftp backend of one provider. Anonymous when the
// provider declares no usable credential.
func NewFTPProvider(d *registry.ProviderDescriptor) *FTPProvider {
	p := &FTPProvider{user: "anonymous", pword: "anonymous"}
	if cred := d.Credential(); cred != nil {
		switch d.Auth {
		case common.AuthBasic:
			p.user, p.pword = cred.Field("username"), cred.Field("password")
		case common.AuthCustom:
			p.user, p.pword = cred.Field("ident"), cred.Field("pass")
		}
	}
	return p
}

// Open implements AssetProvider. Only "bytes=n-" ranges are honored: ftp
// resumes from an absolute offset.
func (p *FTPProvider) Open(ctx context.Context, originURL, byteRange string) (*AssetStream, error) {
	u, err := neturl.Parse(originURL)
	if err != nil || (u.Scheme != "ftp" && u.Scheme != "ftps") || u.Host == "" {
		return nil, fmt.Errorf("Open: not an ftp url: %s", originURL)
	}
	host := u.Host
	if u.Port() == "" {
		host += ":21"
	}
	options := []ftp.DialOption{ftp.DialWithContext(ctx), ftp.DialWithTimeout(5 * time.Second)}
	if u.Scheme == "ftps" || u.Port() == "990" {
		options = append(options, ftp.DialWithTLS(&tls.Config{InsecureSkipVerify: true}))
	}
	c, err := ftp.Dial(host, options...)
	if err != nil {
		return nil, service.MakeTemporary(fmt.Errorf("Open.Dial: %w", err))
	}
	if err := c.Login(p.user, p.pword); err != nil {
		c.Quit()
		return nil, fmt.Errorf("Open.Login: %w", err)
	}

	path := strings.TrimPrefix(u.Path, "/")
	size, _ := c.FileSize(path)

	offset := int64(0)
	if byteRange != "" {
		if o, l, ok := parseByteRange(byteRange); ok && o > 0 && l < 0 {
			offset = o
		}
	}
	r, err := c.RetrFrom(path, uint64(offset))
	if err != nil {
		c.Quit()
		var protoErr *textproto.Error
		if errors.As(err, &protoErr) && protoErr.Code == ftp.StatusFileUnavailable {
			return nil, NotFoundError{originURL}
		}
		return nil, fmt.Errorf("Open.Retr: %w", err)
	}
	stream := &AssetStream{
		Body:          &ftpBody{Response: r, conn: c},
		ContentLength: -1,
		Filename:      filenameFor(originURL, ""),
	}
	if size > 0 {
		stream.ContentLength = size - offset
		if offset > 0 {
			stream.ContentRange = fmt.Sprintf("bytes %d-%d/%d", offset, size-1, size)
		}
	}
	return stream, nil
}

// ftpBody closes the data connection then the control connection
type ftpBody struct {
	*ftp.Response
	conn *ftp.ServerConn
}

func (b *ftpBody) Close() error {
	err := b.Response.Close()
	if qerr := b.conn.Quit(); err == nil {
		err = qerr
	}
	return err
}
